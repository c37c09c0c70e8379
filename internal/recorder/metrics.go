package recorder

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments a Recorder. A nil registerer leaves the collectors
// unregistered, which keeps tests independent of each other.
type Metrics struct {
	BytesWritten prometheus.Counter
	Flushes      prometheus.Counter
	WriteErrors  prometheus.Counter
	Dropped      prometheus.Counter
	Phase        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ystudio_recording_bytes_written_total",
			Help: "Bytes flushed to recording files.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ystudio_recording_flushes_total",
			Help: "Buffer flushes to recording files.",
		}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ystudio_recording_write_errors_total",
			Help: "Failed file creations and writes.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ystudio_recording_records_dropped_total",
			Help: "Records received while not recording.",
		}),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ystudio_recording_phase",
			Help: "Recorder phase (0 idle, 1 connected, 2 recording).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BytesWritten, m.Flushes, m.WriteErrors, m.Dropped, m.Phase)
	}
	return m
}
