package window

import (
	"gonum.org/v1/gonum/stat"

	"github.com/shaunagostinho/ystudio/internal/frame"
)

// Point is one (time, value) pair of a channel series, time in seconds.
type Point struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// SplitByChannel regroups frames into one ordered series per channel.
func SplitByChannel(samples []Sample[frame.Frame]) [frame.Channels][]Point {
	var out [frame.Channels][]Point
	for ch := range out {
		out[ch] = make([]Point, len(samples))
	}
	for i, s := range samples {
		t := s.At.Seconds()
		for ch, v := range s.Value.Readings {
			out[ch][i] = Point{T: t, V: v}
		}
	}
	return out
}

// Values extracts the value column of a series.
func Values(points []Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.V
	}
	return out
}

// ChannelStat summarizes one channel of a bank window.
type ChannelStat struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// ChannelStats computes per-channel summaries over the given frames.
func ChannelStats(samples []Sample[frame.Frame]) [frame.Channels]ChannelStat {
	var out [frame.Channels]ChannelStat
	if len(samples) == 0 {
		return out
	}
	series := SplitByChannel(samples)
	for ch, pts := range series {
		vals := Values(pts)
		mean, std := stat.MeanStdDev(vals, nil)
		if len(vals) < 2 {
			std = 0
		}
		lo, hi := vals[0], vals[0]
		for _, v := range vals[1:] {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		out[ch] = ChannelStat{Mean: mean, StdDev: std, Min: lo, Max: hi}
	}
	return out
}
