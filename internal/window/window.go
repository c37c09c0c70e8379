// Package window keeps time-bounded, time-ordered sample histories.
package window

import "time"

// Sample is a value stamped with the local elapsed time it was received at.
type Sample[T any] struct {
	At    time.Duration `json:"at"`
	Value T             `json:"value"`
}

// Window is an ordered sequence of samples bounded by a time span and a
// count cap. Inserting a sample older than the newest one clears the
// window first, which is how a device restart shows up.
//
// A Window is not safe for concurrent use; see Store.
type Window[T any] struct {
	span time.Duration
	max  int

	head    int // samples[head:] are live
	samples []Sample[T]
}

// New returns an empty window. A zero span or max disables that bound.
func New[T any](span time.Duration, max int) *Window[T] {
	return &Window[T]{span: span, max: max}
}

// Insert appends v at time at and evicts whatever falls out of bounds.
func (w *Window[T]) Insert(at time.Duration, v T) {
	if n := w.Len(); n > 0 && at < w.samples[len(w.samples)-1].At {
		w.Reset()
	}
	w.samples = append(w.samples, Sample[T]{At: at, Value: v})

	if w.span > 0 {
		oldest := at - w.span
		for w.head < len(w.samples) && w.samples[w.head].At < oldest {
			w.head++
		}
	}
	if w.max > 0 && w.Len() > w.max {
		w.head = len(w.samples) - w.max
	}
	w.compact()
}

// compact drops the dead prefix once it dominates the backing array.
func (w *Window[T]) compact() {
	if w.head == 0 || w.head < len(w.samples)/2 {
		return
	}
	n := copy(w.samples, w.samples[w.head:])
	clear(w.samples[n:])
	w.samples = w.samples[:n]
	w.head = 0
}

// Reset removes every sample.
func (w *Window[T]) Reset() {
	clear(w.samples)
	w.samples = w.samples[:0]
	w.head = 0
}

func (w *Window[T]) Len() int { return len(w.samples) - w.head }

// Span returns the configured time bound.
func (w *Window[T]) Span() time.Duration { return w.span }

// Samples returns a copy of the live samples, oldest first.
func (w *Window[T]) Samples() []Sample[T] {
	out := make([]Sample[T], w.Len())
	copy(out, w.samples[w.head:])
	return out
}

// Last returns the newest sample.
func (w *Window[T]) Last() (Sample[T], bool) {
	if w.Len() == 0 {
		return Sample[T]{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Tail returns a copy of at most n newest samples, oldest first.
func (w *Window[T]) Tail(n int) []Sample[T] {
	live := w.samples[w.head:]
	if n < len(live) {
		live = live[len(live)-n:]
	}
	out := make([]Sample[T], len(live))
	copy(out, live)
	return out
}

// Clone returns an independent copy of w.
func (w *Window[T]) Clone() *Window[T] {
	return &Window[T]{span: w.span, max: w.max, samples: w.Samples()}
}

// Duration is the time between the oldest and newest sample.
func (w *Window[T]) Duration() time.Duration {
	if w.Len() < 2 {
		return 0
	}
	return w.samples[len(w.samples)-1].At - w.samples[w.head].At
}

// MeanInterval is Duration divided by the number of gaps. It reports false
// with fewer than two samples.
func (w *Window[T]) MeanInterval() (time.Duration, bool) {
	n := w.Len()
	if n < 2 {
		return 0, false
	}
	return w.Duration() / time.Duration(n-1), true
}

// Rate is samples per second over the window's duration.
func (w *Window[T]) Rate() (float64, bool) {
	d := w.Duration()
	if w.Len() < 2 || d <= 0 {
		return 0, false
	}
	return float64(w.Len()) / d.Seconds(), true
}

// Ready reports whether rate-dependent consumers can use the window.
func (w *Window[T]) Ready() bool {
	_, ok := w.Rate()
	return ok
}
