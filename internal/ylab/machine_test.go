package ylab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/ystudio/internal/frame"
	"github.com/shaunagostinho/ystudio/internal/window"
)

// fakePort delivers queued chunks and otherwise waits out its timeout.
type fakePort struct {
	timeout time.Duration
	data    chan []byte
	fail    chan error

	mu     sync.Mutex
	closed bool
}

func newFakePort(timeout time.Duration) *fakePort {
	return &fakePort{timeout: timeout, data: make(chan []byte, 64), fail: make(chan error, 1)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.data:
		return copy(b, chunk), nil
	case err := <-p.fail:
		return 0, err
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type recordSink struct {
	mu   sync.Mutex
	recs []frame.Record
}

func (s *recordSink) Push(recs ...frame.Record) {
	s.mu.Lock()
	s.recs = append(s.recs, recs...)
	s.mu.Unlock()
}

func (s *recordSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type harness struct {
	m      *Machine
	port   *fakePort
	sink   *recordSink
	opened []string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{port: newFakePort(20 * time.Millisecond), sink: &recordSink{}}
	h.m = New(cfg, Deps{
		Open: func(name string, p Profile, timeout time.Duration) (Port, error) {
			if name == "/dev/missing" {
				return nil, errors.New("no such device")
			}
			h.opened = append(h.opened, name)
			return h.port, nil
		},
		Ports: func() ([]string, error) {
			return []string{"/dev/ttyS0", "/dev/ttyACM0", "/dev/ttyACM1"}, nil
		},
		Store: window.NewStore(window.StoreConfig{Banks: 8, Span: time.Minute}),
		Sink:  h.sink,
	})
	return h
}

func goProfile(t *testing.T) Profile {
	t.Helper()
	p, ok := Lookup("Go")
	require.True(t, ok)
	return p
}

func TestPlanTable(t *testing.T) {
	disc := State{Phase: Disconnected}
	found := State{Phase: Disconnected, Ports: []string{}}
	conn := State{Phase: Connected}
	read := State{Phase: Reading}

	connect := ConnectCmd(Profile{}, "p")
	cmds := []*Command{nil, &connect, ptr(ReadCmd()), ptr(StopCmd()), ptr(DisconnectCmd())}

	type key struct {
		state    int
		cmd      int
		autoRead bool
	}
	table := map[key]action{
		{0, 0, false}: actDiscover, {0, 0, true}: actDiscover,
		{1, 0, false}: actDiscover, {1, 0, true}: actDiscover,
		{1, 1, false}: actOpen, {1, 1, true}: actOpen,
		{2, 2, false}: actStartReading, {2, 2, true}: actStartReading,
		{2, 4, false}: actClose, {2, 4, true}: actClose,
		{3, 3, false}: actStopReading, {3, 3, true}: actStopReading,
		{3, 4, false}: actClose, {3, 4, true}: actClose,
	}
	// auto-advance applies to every other Connected input
	for _, c := range []int{0, 1, 3} {
		table[key{2, c, true}] = actStartReading
	}

	for si, st := range []State{disc, found, conn, read} {
		for ci, cmd := range cmds {
			for _, auto := range []bool{false, true} {
				want := table[key{si, ci, auto}]
				assert.Equal(t, want, plan(st, cmd, auto), "state=%d cmd=%d auto=%v", si, ci, auto)
			}
		}
	}
}

func ptr(c Command) *Command { return &c }

func TestNoOpPairsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	p := goProfile(t)
	connect := ConnectCmd(p, "/dev/ttyACM0")

	assertNoOp := func(cmd Command) {
		t.Helper()
		before := h.m.State()
		h.m.step(ctx, &cmd)
		assert.Equal(t, before, h.m.State(), "%s in %s", cmd.Kind, before.Phase)
	}

	// undiscovered Disconnected ignores everything
	for _, c := range []Command{connect, ReadCmd(), StopCmd(), DisconnectCmd()} {
		assertNoOp(c)
	}

	h.m.step(ctx, nil)
	for _, c := range []Command{ReadCmd(), StopCmd(), DisconnectCmd()} {
		assertNoOp(c)
	}

	h.m.step(ctx, &connect)
	require.Equal(t, Connected, h.m.State().Phase)
	for _, c := range []Command{connect, StopCmd()} {
		assertNoOp(c)
	}
	h.m.step(ctx, nil)
	assert.Equal(t, Connected, h.m.State().Phase)

	h.m.step(ctx, ptr(ReadCmd()))
	require.Equal(t, Reading, h.m.State().Phase)
	for _, c := range []Command{connect, ReadCmd()} {
		assertNoOp(c)
	}

	h.m.step(ctx, ptr(DisconnectCmd()))
	assert.Equal(t, []string{"/dev/ttyACM0"}, h.opened)
}

func TestDiscoveryFiltersByPrefix(t *testing.T) {
	h := newHarness(t, Config{PortPrefix: "/dev/ttyACM"})
	assert.False(t, h.m.State().Discovered())

	h.m.step(context.Background(), nil)
	st := h.m.State()
	assert.Equal(t, Disconnected, st.Phase)
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyACM1"}, st.Ports)
}

func TestDiscoveryFailureStaysDisconnected(t *testing.T) {
	m := New(Config{}, Deps{Ports: func() ([]string, error) { return nil, errors.New("boom") }})
	m.step(context.Background(), nil)
	assert.Equal(t, State{Phase: Disconnected}, m.State())
	assert.Equal(t, int64(1), m.Stats().OpenFailures)
}

func TestConnectFailureStaysDisconnected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.m.step(ctx, nil)
	before := h.m.State()

	h.m.step(ctx, ptr(ConnectCmd(goProfile(t), "/dev/missing")))
	assert.Equal(t, before, h.m.State())
	assert.Equal(t, int64(1), h.m.Stats().OpenFailures)
}

func TestAutoReadAdvancesOnConnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AutoRead: true})
	h.m.step(ctx, nil)
	h.m.step(ctx, ptr(ConnectCmd(goProfile(t), "/dev/ttyACM0")))
	assert.Equal(t, Reading, h.m.State().Phase)
	h.m.step(ctx, ptr(DisconnectCmd()))
}

func TestHandleLine(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.profile = goProfile(t)
	clock := h.m.start
	h.m.now = func() time.Time { return clock }

	clock = clock.Add(time.Second)
	h.m.HandleLine("5,0,1,2,3,4,5,6,7,8")
	clock = clock.Add(time.Second)
	h.m.HandleLine("6,1,1,2,3,4,5,6,7,8")
	h.m.HandleLine("7,5,1,2,3,4,5,6,7,8") // Go has two banks
	h.m.HandleLine("garbage")

	stats := h.m.Stats()
	assert.Equal(t, Stats{Lines: 4, Frames: 3, ParseErrors: 1, Unbanked: 1}, stats)
	assert.Equal(t, 3*frame.Channels, h.sink.len())

	b0, _ := h.m.Store().Bank(0)
	b1, _ := h.m.Store().Bank(1)
	b5, _ := h.m.Store().Bank(5)
	assert.Equal(t, 1, b0.Len())
	assert.Equal(t, 1, b1.Len())
	assert.Equal(t, 0, b5.Len())

	last, _ := b1.Last()
	assert.Equal(t, 2*time.Second, last.At, "window uses local time")
	assert.Equal(t, 6*time.Millisecond, last.Value.Timestamp)

	for i, r := range h.sink.recs[:frame.Channels] {
		assert.Equal(t, time.Second, r.Timestamp)
		assert.Equal(t, uint8(i), r.Channel)
	}
}

func TestHandleLineStrictAndNormalize(t *testing.T) {
	h := newHarness(t, Config{Strict: true, Normalize: true})
	h.m.profile = goProfile(t)

	h.m.HandleLine("1,0,x,0,0,0,0,0,0,0")
	assert.Equal(t, int64(1), h.m.Stats().ParseErrors)

	h.m.HandleLine("1,0,16384,0,0,0,0,0,0,0")
	require.Equal(t, frame.Channels, h.sink.len())
	assert.Equal(t, 0.5, h.sink.recs[0].Value)
}

func runMachine(t *testing.T, m *Machine) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	return cancel, done
}

func waitPhase(t *testing.T, m *Machine, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State().Phase == want }, 2*time.Second, time.Millisecond,
		"waiting for %s", want)
}

func TestRunLifecycle(t *testing.T) {
	h := newHarness(t, Config{DiscoverInterval: 5 * time.Millisecond})
	cancel, done := runMachine(t, h.m)
	defer cancel()
	ctx := context.Background()

	require.Eventually(t, func() bool { return h.m.State().Discovered() }, time.Second, time.Millisecond)
	require.NoError(t, h.m.Submit(ctx, ConnectCmd(goProfile(t), "/dev/ttyACM0")))
	waitPhase(t, h.m, Connected)
	require.NoError(t, h.m.Submit(ctx, ReadCmd()))
	waitPhase(t, h.m, Reading)

	// one frame split across reads, one garbage line
	h.port.data <- []byte("10,0,1,2,3,4,5,6,7,8\r\n11,1,1,2,3,")
	h.port.data <- []byte("4,5,6,7,8\r\nnoise\r\n")
	require.Eventually(t, func() bool { return h.sink.len() == 2*frame.Channels }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.m.Stats().ParseErrors == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.m.Submit(ctx, StopCmd()))
	waitPhase(t, h.m, Connected)
	assert.False(t, h.port.isClosed())

	require.NoError(t, h.m.Submit(ctx, ReadCmd()))
	waitPhase(t, h.m, Reading)
	require.NoError(t, h.m.Submit(ctx, DisconnectCmd()))
	waitPhase(t, h.m, Disconnected)
	assert.True(t, h.port.isClosed())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCommandLatencyDuringReadTimeout(t *testing.T) {
	h := newHarness(t, Config{DiscoverInterval: time.Hour, AutoRead: true})
	h.port.timeout = 100 * time.Millisecond
	cancel, done := runMachine(t, h.m)
	defer cancel()
	ctx := context.Background()

	require.Eventually(t, func() bool { return h.m.State().Discovered() }, time.Second, time.Millisecond)
	require.NoError(t, h.m.Submit(ctx, ConnectCmd(goProfile(t), "/dev/ttyACM0")))
	waitPhase(t, h.m, Reading)

	time.Sleep(10 * time.Millisecond) // reader is now parked in Read
	sent := time.Now()
	require.NoError(t, h.m.Submit(ctx, DisconnectCmd()))
	waitPhase(t, h.m, Disconnected)
	assert.Less(t, time.Since(sent), 2*h.port.timeout+50*time.Millisecond)
	assert.True(t, h.port.isClosed())

	cancel()
	<-done
}

func TestPortLossReturnsToDisconnected(t *testing.T) {
	h := newHarness(t, Config{DiscoverInterval: time.Hour, AutoRead: true})
	cancel, done := runMachine(t, h.m)
	defer cancel()

	require.Eventually(t, func() bool { return h.m.State().Discovered() }, time.Second, time.Millisecond)
	require.NoError(t, h.m.Submit(context.Background(), ConnectCmd(goProfile(t), "/dev/ttyACM0")))
	waitPhase(t, h.m, Reading)

	h.port.fail <- errors.New("device unplugged")
	waitPhase(t, h.m, Disconnected)
	assert.False(t, h.m.State().Discovered())
	assert.True(t, h.port.isClosed())

	cancel()
	<-done
}

func TestCancelClosesPort(t *testing.T) {
	h := newHarness(t, Config{DiscoverInterval: time.Hour, AutoRead: true})
	cancel, done := runMachine(t, h.m)

	require.Eventually(t, func() bool { return h.m.State().Discovered() }, time.Second, time.Millisecond)
	require.NoError(t, h.m.Submit(context.Background(), ConnectCmd(goProfile(t), "/dev/ttyACM0")))
	waitPhase(t, h.m, Reading)

	cancel()
	<-done
	assert.True(t, h.port.isClosed())
	assert.Equal(t, Disconnected, h.m.State().Phase)
}
