// Package recorder persists channel records to CSV recording files. It is
// a small state machine (Idle, Connected, Recording) driven by commands and
// fed by an unbounded record inbox.
package recorder

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/ystudio/internal/frame"
)

const (
	// DefaultFlushBytes is the buffer size above which pending lines are
	// written to the file.
	DefaultFlushBytes = 1000

	// autoNameEpoch is subtracted from the unix time to build short,
	// monotone automatic file names.
	autoNameEpoch = 1699743807
)

// Config holds recorder configuration.
type Config struct {
	Dir        string `yaml:"dir" json:"dir"`
	FlushBytes int    `yaml:"flush_bytes" json:"flushBytes"`
}

// Recorder owns the recording file. All transitions happen on the
// goroutine running Run (or on the caller of Handle/Write in tests).
type Recorder struct {
	log     *slog.Logger
	metrics *Metrics
	flushAt int
	now     func() time.Time

	cmds  chan Command
	inbox *Inbox

	mu    sync.RWMutex
	state State

	file *os.File
	buf  bytes.Buffer
	csv  *csv.Writer
}

// New creates an Idle recorder remembering cfg.Dir.
func New(cfg Config, logger *slog.Logger, metrics *Metrics) *Recorder {
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = DefaultFlushBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	r := &Recorder{
		log:     logger.With("component", "recorder"),
		metrics: metrics,
		flushAt: cfg.FlushBytes,
		now:     time.Now,
		cmds:    make(chan Command, 16),
		inbox:   NewInbox(),
		state:   State{Phase: Idle, Dir: cfg.Dir},
	}
	r.csv = csv.NewWriter(&r.buf)
	r.csv.UseCRLF = true
	return r
}

// Submit queues a command for the Run loop.
func (r *Recorder) Submit(ctx context.Context, cmd Command) error {
	select {
	case r.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push hands records to the recorder without blocking.
func (r *Recorder) Push(recs ...frame.Record) { r.inbox.Push(recs...) }

// State returns a snapshot of the current state.
func (r *Recorder) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Run processes commands and records until ctx is done. On exit the
// remaining queue is written and the file is closed.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.writeAll(r.inbox.Drain())
			r.finish()
			return ctx.Err()
		case cmd := <-r.cmds:
			r.Handle(cmd)
		case <-r.inbox.Ready():
			r.writeAll(r.inbox.Drain())
		}
	}
}

// Handle applies one command. Commands that do not fit the current phase
// are ignored.
func (r *Recorder) Handle(cmd Command) {
	st := r.State()
	switch {
	case st.Phase == Idle && cmd.Kind == CmdNew:
		r.open(cmd)
	case st.Phase == Recording && cmd.Kind == CmdPause:
		r.flush()
		st.Phase, st.Paused = Connected, true
		r.setState(st)
		r.log.Info("recording paused", "path", st.Path)
	case st.Phase == Connected && st.Paused && cmd.Kind == CmdResume:
		st.Paused = false
		r.setState(st)
		r.log.Info("recording resumed", "path", st.Path)
	case st.Phase != Idle && cmd.Kind == CmdStop:
		r.finish()
	default:
		r.log.Debug("command ignored", "command", cmd.Kind, "phase", st.Phase)
	}
	r.advance()
}

// advance moves a freshly opened file into Recording.
func (r *Recorder) advance() {
	st := r.State()
	if st.Phase == Connected && !st.Paused {
		st.Phase = Recording
		r.setState(st)
	}
}

// Write buffers one record while recording and flushes once the buffer
// exceeds the threshold. Records arriving in any other phase are dropped.
func (r *Recorder) Write(rec frame.Record) {
	if r.State().Phase != Recording {
		r.metrics.Dropped.Inc()
		return
	}
	if err := r.csv.Write(rec.Fields()); err != nil {
		r.log.Error("buffer record", "error", err)
		return
	}
	r.csv.Flush()
	if r.buf.Len() > r.flushAt {
		r.flush()
	}
}

func (r *Recorder) writeAll(recs []frame.Record) {
	for _, rec := range recs {
		r.Write(rec)
	}
}

func (r *Recorder) open(cmd Command) {
	st := r.State()
	dir := cmd.Dir
	if dir == "" {
		dir = st.Dir
	}
	if dir == "" {
		r.metrics.WriteErrors.Inc()
		r.log.Error("new recording needs a directory", "name", cmd.Name)
		return
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		r.metrics.WriteErrors.Inc()
		r.log.Error("create recording dir", "dir", dir, "error", err)
		return
	}

	name := cmd.Name
	if name == "" {
		name = r.autoName(dir)
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		r.metrics.WriteErrors.Inc()
		r.log.Error("create recording", "path", path, "error", err)
		return
	}

	hdr := csv.NewWriter(f)
	hdr.UseCRLF = true
	hdr.Write(frame.Header)
	hdr.Flush()
	if err := hdr.Error(); err != nil {
		f.Close()
		r.metrics.WriteErrors.Inc()
		r.log.Error("write recording header", "path", path, "error", err)
		return
	}

	r.file = f
	r.buf.Reset()
	r.setState(State{Phase: Connected, Dir: dir, Path: path})
	r.log.Info("recording opened", "path", path)
}

// autoName derives a file name from the clock, adding a numeric suffix
// when the name is already taken.
func (r *Recorder) autoName(dir string) string {
	base := fmt.Sprintf("%d", r.now().Unix()-autoNameEpoch)
	name := base + ".csv"
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s-%d.csv", base, i)
	}
}

// flush writes the pending buffer. On failure the buffer is discarded.
func (r *Recorder) flush() {
	if r.file == nil || r.buf.Len() == 0 {
		return
	}
	n, err := r.file.Write(r.buf.Bytes())
	r.buf.Reset()
	r.metrics.BytesWritten.Add(float64(n))
	if err != nil {
		r.metrics.WriteErrors.Inc()
		r.log.Error("flush recording", "path", r.State().Path, "error", err)
		return
	}
	r.metrics.Flushes.Inc()
}

// finish flushes and closes the open file and returns to Idle, keeping
// the directory for the next New.
func (r *Recorder) finish() {
	st := r.State()
	if r.file != nil {
		r.flush()
		if err := r.file.Close(); err != nil {
			r.log.Error("close recording", "path", st.Path, "error", err)
		}
		r.file = nil
		r.log.Info("recording closed", "path", st.Path)
	}
	r.buf.Reset()
	r.setState(State{Phase: Idle, Dir: st.Dir})
}

func (r *Recorder) setState(st State) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
	r.metrics.Phase.Set(float64(st.Phase))
}
