package window

import (
	"sync"
	"time"

	"github.com/shaunagostinho/ystudio/internal/frame"
)

// DefaultBanks is the number of bank windows a Store keeps unless
// configured otherwise.
const DefaultBanks = 8

// Store holds one frame window per bank plus a flat record history. It is
// shared between the acquisition loop (writer) and consumers (readers);
// readers only ever get deep copies.
type Store struct {
	mu      sync.RWMutex
	banks   []*Window[frame.Frame]
	records *Window[frame.Record]
}

// StoreConfig bounds the windows of a Store.
type StoreConfig struct {
	Banks      int
	Span       time.Duration
	MaxFrames  int
	MaxRecords int
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.Banks <= 0 {
		cfg.Banks = DefaultBanks
	}
	s := &Store{
		banks:   make([]*Window[frame.Frame], cfg.Banks),
		records: New[frame.Record](cfg.Span, cfg.MaxRecords),
	}
	for i := range s.banks {
		s.banks[i] = New[frame.Frame](cfg.Span, cfg.MaxFrames)
	}
	return s
}

// InsertFrame stores f in its bank window at time at. Frames for banks
// beyond the store are ignored and reported as false.
func (s *Store) InsertFrame(at time.Duration, f frame.Frame) bool {
	if int(f.Bank) >= len(s.banks) {
		return false
	}
	s.mu.Lock()
	s.banks[f.Bank].Insert(at, f)
	s.mu.Unlock()
	return true
}

// InsertRecords appends records to the record history.
func (s *Store) InsertRecords(recs []frame.Record) {
	s.mu.Lock()
	for _, r := range recs {
		s.records.Insert(r.Timestamp, r)
	}
	s.mu.Unlock()
}

// Bank returns a snapshot of bank i.
func (s *Store) Bank(i int) (*Window[frame.Frame], bool) {
	if i < 0 || i >= len(s.banks) {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banks[i].Clone(), true
}

// NumBanks is the number of bank windows.
func (s *Store) NumBanks() int { return len(s.banks) }

// Records returns up to n of the newest records, oldest first.
func (s *Store) Records(n int) []Sample[frame.Record] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records.Tail(n)
}

// Reset empties every window.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.banks {
		b.Reset()
	}
	s.records.Reset()
}

// BankStats is a cheap summary of one bank window.
type BankStats struct {
	Bank        int     `json:"bank"`
	Len         int     `json:"len"`
	DurationSec float64 `json:"durationSec"`
	IntervalMs  float64 `json:"intervalMs"`
	RateHz      float64 `json:"rateHz"`
	Ready       bool    `json:"ready"`
}

// Stats summarizes every non-empty bank.
func (s *Store) Stats() []BankStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BankStats
	for i, b := range s.banks {
		if b.Len() == 0 {
			continue
		}
		st := BankStats{
			Bank:        i,
			Len:         b.Len(),
			DurationSec: b.Duration().Seconds(),
		}
		if iv, ok := b.MeanInterval(); ok {
			st.IntervalMs = float64(iv) / float64(time.Millisecond)
		}
		st.RateHz, st.Ready = b.Rate()
		out = append(out, st)
	}
	return out
}
