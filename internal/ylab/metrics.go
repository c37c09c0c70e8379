package ylab

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/shaunagostinho/ystudio/internal/frame"
)

// Metrics instruments the acquisition loop. A nil registerer leaves the
// collectors unregistered.
type Metrics struct {
	Lines        prometheus.Counter
	ParseErrors  *prometheus.CounterVec
	Frames       *prometheus.CounterVec
	Records      prometheus.Counter
	OpenFailures prometheus.Counter
	Phase        prometheus.Gauge
	LineDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Lines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ystudio_lines_total",
			Help: "Wire lines read from the instrument.",
		}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ystudio_parse_errors_total",
			Help: "Wire lines discarded by the frame codec.",
		}, []string{"kind"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ystudio_frames_total",
			Help: "Decoded frames per bank.",
		}, []string{"bank"}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ystudio_records_total",
			Help: "Channel records sent to the recorder.",
		}),
		OpenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ystudio_port_open_failures_total",
			Help: "Failed port opens and enumerations.",
		}),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ystudio_connection_phase",
			Help: "Connection phase (0 disconnected, 1 connected, 2 reading).",
		}),
		LineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ystudio_line_duration_seconds",
			Help:    "Time to decode, store and forward one line.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Lines, m.ParseErrors, m.Frames, m.Records, m.OpenFailures, m.Phase, m.LineDuration)
	}
	return m
}

func (m *Metrics) frame(f frame.Frame) {
	m.Frames.WithLabelValues(strconv.Itoa(int(f.Bank))).Inc()
}

// Stats are cumulative counters for consumers that do not scrape metrics.
type Stats struct {
	Lines        int64 `json:"lines"`
	Frames       int64 `json:"frames"`
	ParseErrors  int64 `json:"parseErrors"`
	OpenFailures int64 `json:"openFailures"`
	Unbanked     int64 `json:"unbanked"` // frames outside the profile's banks
}

type counters struct {
	lines        atomic.Int64
	frames       atomic.Int64
	parseErrors  atomic.Int64
	openFailures atomic.Int64
	unbanked     atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Lines:        c.lines.Load(),
		Frames:       c.frames.Load(),
		ParseErrors:  c.parseErrors.Load(),
		OpenFailures: c.openFailures.Load(),
		Unbanked:     c.unbanked.Load(),
	}
}
