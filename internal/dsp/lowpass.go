// Package dsp holds the rate-dependent display helpers: cutoff limits,
// low-pass filtering and spectral estimation over window snapshots.
package dsp

import (
	"errors"
	"fmt"
	"math"

	"github.com/shaunagostinho/ystudio/internal/window"
)

var (
	ErrCutoffRange = errors.New("dsp: cutoff outside valid range")
	ErrNotReady    = errors.New("dsp: window has no usable rate")
)

// ButterworthQ gives a maximally flat second-order response.
const ButterworthQ = math.Sqrt2 / 2

// CutoffLimits returns the open interval (1/(2*duration), rate/2) in Hz
// inside which a low-pass cutoff is meaningful for a window of the given
// duration (seconds) and sample rate (Hz).
func CutoffLimits(duration, rate float64) (lo, hi float64, err error) {
	if duration <= 0 || rate <= 0 {
		return 0, 0, ErrNotReady
	}
	lo, hi = 1/(2*duration), rate/2
	if lo >= hi {
		return 0, 0, fmt.Errorf("%w: empty interval (%g, %g)", ErrCutoffRange, lo, hi)
	}
	return lo, hi, nil
}

// ClampCutoff pulls cutoff into [lo, hi].
func ClampCutoff(cutoff, lo, hi float64) float64 {
	return math.Min(math.Max(cutoff, lo), hi)
}

// Biquad is a second-order IIR section in direct form I.
type Biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

// NewLowPass designs a low-pass biquad (RBJ cookbook) for sample rate fs
// and corner frequency f0, both in Hz.
func NewLowPass(fs, f0, q float64) (*Biquad, error) {
	if fs <= 0 || f0 <= 0 || f0 >= fs/2 || q <= 0 {
		return nil, fmt.Errorf("%w: f0=%g fs=%g", ErrCutoffRange, f0, fs)
	}
	w0 := 2 * math.Pi * f0 / fs
	cos, sin := math.Cos(w0), math.Sin(w0)
	alpha := sin / (2 * q)
	a0 := 1 + alpha

	return &Biquad{
		b0: (1 - cos) / 2 / a0,
		b1: (1 - cos) / a0,
		b2: (1 - cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}, nil
}

// Run filters one sample.
func (b *Biquad) Run(x float64) float64 {
	y := b.b0*x + b.b1*b.x1 + b.b2*b.x2 - b.a1*b.y1 - b.a2*b.y2
	b.x2, b.x1 = b.x1, x
	b.y2, b.y1 = b.y1, y
	return y
}

// BurnIn is the number of leading filter outputs dominated by the
// transient response.
func BurnIn(rate, cutoff float64) int {
	return 2*int(rate/cutoff) + 1
}

// LowPass filters a channel series sampled at rate Hz and drops the
// burn-in prefix. The cutoff must lie strictly inside CutoffLimits; callers
// clamp first.
func LowPass(points []window.Point, rate, cutoff float64) ([]window.Point, error) {
	f, err := NewLowPass(rate, cutoff, ButterworthQ)
	if err != nil {
		return nil, err
	}
	out := make([]window.Point, len(points))
	for i, p := range points {
		out[i] = window.Point{T: p.T, V: f.Run(p.V)}
	}
	skip := BurnIn(rate, cutoff)
	if skip >= len(out) {
		return []window.Point{}, nil
	}
	return out[skip:], nil
}
