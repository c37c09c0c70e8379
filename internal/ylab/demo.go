package ylab

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/atomic"

	"github.com/shaunagostinho/ystudio/internal/frame"
)

// DemoPortName is the port name served by the simulated instrument.
const DemoPortName = "demo"

// DemoRate is the simulated per-bank frame rate in Hz.
const DemoRate = 200.0

var errPortClosed = errors.New("port closed")

// DemoPort simulates an instrument streaming raw ADC counts for every
// bank of a profile. Each channel carries a slow sine plus noise.
type DemoPort struct {
	banks   int
	rate    float64
	timeout time.Duration
	start   time.Time
	sent    int
	pending []byte
	rng     *rand.Rand
	closed  atomic.Bool
}

func NewDemoPort(p Profile, rate float64, timeout time.Duration) *DemoPort {
	if rate <= 0 {
		rate = DemoRate
	}
	return &DemoPort{
		banks:   len(p.Banks),
		rate:    rate,
		timeout: timeout,
		start:   time.Now(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Read blocks until a frame is due or the read timeout passes.
func (d *DemoPort) Read(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, errPortClosed
	}
	if len(d.pending) == 0 {
		due := d.due()
		if due <= d.sent {
			next := d.start.Add(time.Duration(float64(d.sent+1) / d.rate * float64(time.Second)))
			time.Sleep(min(time.Until(next), d.timeout))
			due = d.due()
		}
		// Drop backlog older than a second instead of bursting it.
		if due-d.sent > int(d.rate) {
			d.sent = due - int(d.rate)
		}
		for ; d.sent < due; d.sent++ {
			d.emit(d.sent)
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *DemoPort) due() int {
	return int(time.Since(d.start).Seconds() * d.rate)
}

func (d *DemoPort) emit(i int) {
	t := float64(i) / d.rate
	for b := 0; b < d.banks; b++ {
		f := frame.Frame{
			Timestamp: time.Duration(t * float64(time.Second)).Truncate(time.Millisecond),
			Bank:      uint8(b),
		}
		for ch := range f.Readings {
			hz := 0.5 + float64(b) + float64(ch)*0.25
			v := 12000*math.Sin(2*math.Pi*hz*t) + d.rng.NormFloat64()*400
			f.Readings[ch] = math.Round(v)
		}
		d.pending = append(d.pending, frame.Serialize(f)...)
		d.pending = append(d.pending, '\r', '\n')
	}
}

func (d *DemoPort) Close() error {
	d.closed.Store(true)
	return nil
}

// DemoOpener serves DemoPortName with a simulated instrument and passes
// every other name to next.
func DemoOpener(next Opener) Opener {
	return func(name string, p Profile, timeout time.Duration) (Port, error) {
		if name == DemoPortName {
			return NewDemoPort(p, DemoRate, timeout), nil
		}
		return next(name, p, timeout)
	}
}

// DemoPorts lists only the simulated port.
func DemoPorts() ([]string, error) { return []string{DemoPortName}, nil }
