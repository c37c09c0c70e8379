package ylab

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shaunagostinho/ystudio/internal/frame"
	"github.com/shaunagostinho/ystudio/internal/window"
)

// Config tunes the acquisition loop.
type Config struct {
	PortPrefix       string
	ReadTimeout      time.Duration
	DiscoverInterval time.Duration
	Backoff          time.Duration
	AutoRead         bool // advance Connected to Reading without a Read command
	Strict           bool // reject frames with unparseable readings
	Normalize        bool // divide readings by frame.FullScale
}

// Sink receives channel records in wire order. Push must not block.
type Sink interface {
	Push(recs ...frame.Record)
}

type discardSink struct{}

func (discardSink) Push(...frame.Record) {}

// Deps are the collaborators of a Machine. Nil fields get defaults: the
// system serial ports, an empty store and a sink that drops records.
type Deps struct {
	Open    Opener
	Ports   Enumerator
	Store   *window.Store
	Sink    Sink
	Logger  *slog.Logger
	Metrics *Metrics
}

// session holds the port while Connected and the reader (which owns the
// port) while Reading. Exactly one of the two is set outside Disconnected.
type session struct {
	port   Port
	reader *lineReader
}

// Machine is the connection state machine. Run drives it; everything else
// is safe to call from other goroutines.
type Machine struct {
	cfg     Config
	log     *slog.Logger
	open    Opener
	ports   Enumerator
	store   *window.Store
	sink    Sink
	metrics *Metrics
	parser  frame.Parser

	now   func() time.Time
	start time.Time

	cmds chan Command

	mu    sync.RWMutex
	state State

	// owned by the Run goroutine
	sess    session
	profile Profile

	stats counters
}

func New(cfg Config, deps Deps) *Machine {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Millisecond
	}
	if cfg.DiscoverInterval <= 0 {
		cfg.DiscoverInterval = time.Second
	}
	if deps.Open == nil {
		deps.Open = OpenSerial
	}
	if deps.Ports == nil {
		deps.Ports = SystemPorts
	}
	if deps.Store == nil {
		deps.Store = window.NewStore(window.StoreConfig{Banks: MaxBanks(), Span: 5 * time.Second})
	}
	if deps.Sink == nil {
		deps.Sink = discardSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}

	m := &Machine{
		cfg:     cfg,
		log:     deps.Logger.With("component", "ylab"),
		open:    deps.Open,
		ports:   deps.Ports,
		store:   deps.Store,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		parser:  frame.Parser{Strict: cfg.Strict},
		now:     time.Now,
		cmds:    make(chan Command, 16),
		state:   State{Phase: Disconnected},
	}
	m.start = m.now()
	return m
}

// Store is the window store the machine writes to.
func (m *Machine) Store() *window.Store { return m.store }

// State returns a snapshot of the connection state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// Stats returns the cumulative counters.
func (m *Machine) Stats() Stats { return m.stats.snapshot() }

// Submit queues a command for the Run loop.
func (m *Machine) Submit(ctx context.Context, cmd Command) error {
	select {
	case m.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the machine until ctx is done, then closes any open port.
// It waits on commands, lines from the active reader and the discovery
// ticker together, so a command is acted on as soon as it arrives.
func (m *Machine) Run(ctx context.Context) error {
	tick := time.NewTicker(m.cfg.DiscoverInterval)
	defer tick.Stop()

	m.step(ctx, nil)
	for {
		var (
			lines <-chan string
			errc  <-chan error
		)
		if r := m.sess.reader; r != nil {
			lines, errc = r.lines, r.errc
		}

		select {
		case <-ctx.Done():
			m.disconnect()
			return ctx.Err()
		case cmd := <-m.cmds:
			m.step(ctx, &cmd)
		case line := <-lines:
			m.HandleLine(line)
		case err := <-errc:
			m.log.Warn("port lost", "port", m.State().Port, "error", err)
			m.disconnect()
		case <-tick.C:
			m.step(ctx, nil)
		}
	}
}

// step applies the transition table for one command (or none).
func (m *Machine) step(ctx context.Context, cmd *Command) {
	switch plan(m.State(), cmd, m.cfg.AutoRead) {
	case actDiscover:
		m.discover(ctx)
	case actOpen:
		if m.connect(ctx, *cmd) {
			m.step(ctx, nil)
		}
	case actStartReading:
		m.startReading()
	case actStopReading:
		m.stopReading()
	case actClose:
		m.disconnect()
	default:
		if cmd != nil {
			m.log.Debug("command ignored", "command", cmd.Kind, "phase", m.State().Phase)
		}
	}
}

func (m *Machine) discover(ctx context.Context) {
	names, err := m.ports()
	if err != nil {
		m.stats.openFailures.Inc()
		m.metrics.OpenFailures.Inc()
		m.log.Warn("port enumeration failed", "error", err)
		m.backoff(ctx)
		return
	}

	ports := FilterPrefix(names, m.cfg.PortPrefix)
	if prev := m.State(); !prev.Discovered() || !slices.Equal(prev.Ports, ports) {
		m.log.Info("ports discovered", "ports", ports)
	}
	m.setState(State{Phase: Disconnected, Ports: ports})
}

func (m *Machine) connect(ctx context.Context, cmd Command) bool {
	port, err := m.open(cmd.Port, cmd.Profile, m.cfg.ReadTimeout)
	if err != nil {
		m.stats.openFailures.Inc()
		m.metrics.OpenFailures.Inc()
		m.log.Warn("connect failed", "port", cmd.Port, "model", cmd.Profile.Model, "error", err)
		m.backoff(ctx)
		return false
	}

	m.sess = session{port: port}
	m.profile = cmd.Profile.clone()
	m.store.Reset()
	m.setState(State{Phase: Connected, Profile: cmd.Profile, Port: cmd.Port})
	m.log.Info("connected", "port", cmd.Port, "model", cmd.Profile.Model, "baud", cmd.Profile.BaudRate)
	return true
}

func (m *Machine) startReading() {
	m.sess = session{reader: startLineReader(m.sess.port)}
	st := m.State()
	st.Phase = Reading
	m.setState(st)
	m.log.Info("reading", "port", st.Port)
}

func (m *Machine) stopReading() {
	m.sess = session{port: m.sess.reader.stop()}
	st := m.State()
	st.Phase = Connected
	m.setState(st)
	m.log.Info("reading stopped", "port", st.Port)
}

// disconnect releases the session and closes the port after the state has
// moved to Disconnected.
func (m *Machine) disconnect() {
	port := m.sess.port
	if m.sess.reader != nil {
		port = m.sess.reader.stop()
	}
	m.sess = session{}

	prev := m.State()
	m.setState(State{Phase: Disconnected})
	if port == nil {
		return
	}
	if err := port.Close(); err != nil {
		m.log.Warn("close port", "port", prev.Port, "error", err)
	}
	m.log.Info("disconnected", "port", prev.Port)
}

func (m *Machine) backoff(ctx context.Context) {
	if m.cfg.Backoff <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(m.cfg.Backoff):
	}
}

// HandleLine decodes one wire line, stores the frame in its bank window
// and forwards the fanned-out records. Bad lines are counted and dropped.
func (m *Machine) HandleLine(line string) {
	began := time.Now()
	m.stats.lines.Inc()
	m.metrics.Lines.Inc()

	f, err := m.parser.Parse(line)
	if err != nil {
		kind := "unknown"
		var pe *frame.ParseError
		if errors.As(err, &pe) {
			kind = pe.Kind.String()
		}
		m.stats.parseErrors.Inc()
		m.metrics.ParseErrors.WithLabelValues(kind).Inc()
		m.log.Debug("discarding line", "line", line, "error", err)
		return
	}
	if m.cfg.Normalize {
		f = frame.Normalize(f)
	}

	at := m.now().Sub(m.start)
	m.stats.frames.Inc()
	m.metrics.frame(f)
	if !m.profile.HasBank(f.Bank) || !m.store.InsertFrame(at, f) {
		m.stats.unbanked.Inc()
	}

	recs := frame.Expand(f, at)
	m.store.InsertRecords(recs[:])
	m.sink.Push(recs[:]...)
	m.metrics.Records.Add(float64(len(recs)))
	m.metrics.LineDuration.Observe(time.Since(began).Seconds())
}

func (m *Machine) setState(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	m.metrics.Phase.Set(float64(st.Phase))
}
