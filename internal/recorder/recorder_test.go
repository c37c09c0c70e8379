package recorder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/ystudio/internal/frame"
)

func rec(i int) frame.Record {
	return frame.Record{
		Timestamp: time.Duration(i) * time.Millisecond,
		Device:    frame.Device,
		Bank:      1,
		Channel:   uint8(i % frame.Channels),
		Value:     float64(i),
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(data)
	require.True(t, strings.HasSuffix(s, "\r\n"), "file must end with CRLF")
	return strings.Split(strings.TrimSuffix(s, "\r\n"), "\r\n")
}

func TestLifecycle(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{}, nil, nil)

	r.Handle(NewCmd(dir, "t.csv"))
	require.Equal(t, Recording, r.State().Phase)
	for i := 0; i < 5; i++ {
		r.Write(rec(i))
	}

	r.Handle(PauseCmd())
	st := r.State()
	assert.Equal(t, Connected, st.Phase)
	assert.True(t, st.Paused)
	for i := 5; i < 8; i++ {
		r.Write(rec(i))
	}

	r.Handle(ResumeCmd())
	assert.Equal(t, Recording, r.State().Phase)
	for i := 8; i < 10; i++ {
		r.Write(rec(i))
	}

	r.Handle(StopCmd())
	assert.Equal(t, State{Phase: Idle, Dir: dir}, r.State())

	lines := readLines(t, filepath.Join(dir, "t.csv"))
	require.Len(t, lines, 1+7)
	assert.Equal(t, "time,dev,sensory,chan,value", lines[0])
	assert.Equal(t, "0,1,1,0,0", lines[1])
	assert.Equal(t, "0.009,1,1,1,9", lines[7])
}

func TestFlushThreshold(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{FlushBytes: 30}, nil, nil)
	r.Handle(NewCmd(dir, "f.csv"))
	path := r.State().Path

	r.Write(rec(1)) // "0.001,1,1,1,1\r\n" is 15 bytes
	assert.Len(t, readLines(t, path), 1, "below threshold stays buffered")

	r.Write(rec(2))
	r.Write(rec(3))
	assert.Len(t, readLines(t, path), 4)

	r.Handle(StopCmd())
}

func TestAutoNameAndRememberedDir(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Dir: dir}, nil, nil)
	r.now = func() time.Time { return time.Unix(autoNameEpoch+42, 0) }

	r.Handle(NewCmd("", ""))
	assert.Equal(t, filepath.Join(dir, "42.csv"), r.State().Path)
	r.Handle(StopCmd())

	r.Handle(NewCmd("", ""))
	assert.Equal(t, filepath.Join(dir, "42-1.csv"), r.State().Path)
	r.Handle(StopCmd())

	r.Handle(NewCmd("", "named.csv"))
	assert.Equal(t, filepath.Join(dir, "named.csv"), r.State().Path)
	r.Handle(StopCmd())

	other := t.TempDir()
	r.Handle(NewCmd(other, ""))
	r.Handle(StopCmd())
	assert.Equal(t, other, r.State().Dir)
}

func TestNewWithoutDirectoryStaysIdle(t *testing.T) {
	r := New(Config{}, nil, nil)
	r.Handle(NewCmd("", "x.csv"))
	assert.Equal(t, State{Phase: Idle}, r.State())
}

func TestCreateFailureStaysIdle(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	r := New(Config{Dir: dir}, nil, nil)
	r.Handle(NewCmd(blocker, "x.csv"))
	assert.Equal(t, State{Phase: Idle, Dir: dir}, r.State())
}

func TestIgnoredCommands(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Dir: dir}, nil, nil)

	for _, cmd := range []Command{PauseCmd(), ResumeCmd(), StopCmd()} {
		r.Handle(cmd)
		assert.Equal(t, State{Phase: Idle, Dir: dir}, r.State(), "idle + %s", cmd.Kind)
	}

	r.Handle(NewCmd("", "a.csv"))
	recording := r.State()
	for _, cmd := range []Command{NewCmd(dir, "b.csv"), ResumeCmd()} {
		r.Handle(cmd)
		assert.Equal(t, recording, r.State(), "recording + %s", cmd.Kind)
	}

	r.Handle(PauseCmd())
	paused := r.State()
	for _, cmd := range []Command{NewCmd(dir, "c.csv"), PauseCmd()} {
		r.Handle(cmd)
		assert.Equal(t, paused, r.State(), "paused + %s", cmd.Kind)
	}

	r.Handle(StopCmd())
	assert.Equal(t, Idle, r.State().Phase)
	_, err := os.Stat(filepath.Join(dir, "b.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteWhileIdleIsDropped(t *testing.T) {
	r := New(Config{}, nil, nil)
	r.Write(rec(1))
	assert.Zero(t, r.buf.Len())
}

func TestRunDrainsInboxAndClosesOnCancel(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, r.Submit(ctx, NewCmd(dir, "run.csv")))
	require.Eventually(t, func() bool { return r.State().Phase == Recording }, time.Second, time.Millisecond)

	for i := 0; i < 20; i++ {
		r.Push(rec(i))
	}
	require.Eventually(t, func() bool { return r.inbox.Len() == 0 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, Idle, r.State().Phase)
	assert.Len(t, readLines(t, filepath.Join(dir, "run.csv")), 21)
}

func TestParseCommand(t *testing.T) {
	k, ok := ParseCommand("resume")
	assert.True(t, ok)
	assert.Equal(t, CmdResume, k)
	_, ok = ParseCommand("rewind")
	assert.False(t, ok)
}
