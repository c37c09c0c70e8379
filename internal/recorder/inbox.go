package recorder

import (
	"sync"

	"github.com/shaunagostinho/ystudio/internal/frame"
)

// Inbox is an unbounded single-producer, single-consumer record queue.
// Push never blocks; a slow consumer makes the queue grow.
type Inbox struct {
	mu    sync.Mutex
	queue []frame.Record
	ready chan struct{}
}

func NewInbox() *Inbox {
	return &Inbox{ready: make(chan struct{}, 1)}
}

// Push appends records and wakes the consumer.
func (in *Inbox) Push(recs ...frame.Record) {
	if len(recs) == 0 {
		return
	}
	in.mu.Lock()
	in.queue = append(in.queue, recs...)
	in.mu.Unlock()

	select {
	case in.ready <- struct{}{}:
	default:
	}
}

// Ready fires after at least one Push since the last Drain.
func (in *Inbox) Ready() <-chan struct{} { return in.ready }

// Drain takes everything queued, in push order.
func (in *Inbox) Drain() []frame.Record {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.queue
	in.queue = nil
	return out
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}
