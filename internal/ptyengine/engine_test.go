// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ptyengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrsurge/agent-log-server-sub000/internal/events"
	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup"
	"github.com/mrsurge/agent-log-server-sub000/internal/waiter"
)

// fakeSupervisor is a minimal in-memory shellsup.Supervisor double that
// lets tests drive the ingest loop deterministically by writing
// synthetic PTY bytes instead of spawning a real bash.
type fakeSupervisor struct {
	mu      sync.Mutex
	writes  [][]byte
	subs    []chan []byte
	started bool
}

func (f *fakeSupervisor) SpawnPTY(ctx context.Context, argv []string, cwd, label string) (shellsup.ShellID, error) {
	f.started = true
	return "fake-shell", nil
}

func (f *fakeSupervisor) SpawnPipe(ctx context.Context, argv []string, cwd string, env []string, label string) (shellsup.ShellID, error) {
	return "", nil
}

func (f *fakeSupervisor) WriteToPTY(id shellsup.ShellID, b []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, b)
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) SubscribeOutput(id shellsup.ShellID) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}, nil
}

func (f *fakeSupervisor) GetPipeState(id shellsup.ShellID) (shellsup.PipeHandles, error) {
	return shellsup.PipeHandles{}, nil
}

func (f *fakeSupervisor) Terminate(id shellsup.ShellID, force bool) error { return nil }

func (f *fakeSupervisor) FindByLabel(label string, status shellsup.Status) (shellsup.ShellID, bool) {
	return "", false
}

func (f *fakeSupervisor) Resize(id shellsup.ShellID, cols, rows uint16) error { return nil }

// feed pushes a chunk to every subscriber, simulating PTY output.
func (f *fakeSupervisor) feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- b
	}
}

// feedMarker appends a sentinel line to the engine's marker file, the
// way the rc script's descriptor 3 does.
func feedMarker(t *testing.T, e *Engine, line string) {
	t.Helper()
	f, err := os.OpenFile(e.MarkerPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line)
	require.NoError(t, err)
}

func engineReady(e *Engine) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func newTestEngine(t *testing.T) (*Engine, *fakeSupervisor) {
	t.Helper()
	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100})
	sup := &fakeSupervisor{}
	e, err := New("conv1", t.TempDir(), sup, bus, nil)
	require.NoError(t, err)
	require.NoError(t, e.Attach(context.Background(), "/bin/bash", "/tmp"))
	// Readiness sentinel, as the rc script emits once sourced.
	feedMarker(t, e, fmt.Sprintf("\n%s ts=1\n", sentinelReady))
	require.Eventually(t, func() bool { return engineReady(e) }, time.Second, 5*time.Millisecond)
	return e, sup
}

func TestExecSingleBlock(t *testing.T) {
	e, sup := newTestEngine(t)
	defer e.Close()

	var block Block
	var execErr error
	done := make(chan struct{})
	go func() {
		block, execErr = e.Exec(context.Background(), "echo hi && pwd", "/tmp")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	feedMarker(t, e, "\n__FWS_BLOCK_BEGIN__ seq=1 ts=100 cwd_b64=L3RtcA== cmd_b64=ZWNobyBoaQ==\n")

	<-done
	require.NoError(t, execErr)
	require.Equal(t, uint64(1), block.Seq)
	require.Equal(t, StatusRunning, block.Status)
	require.True(t, e.Busy())

	sup.feed([]byte("hi\n/tmp\n"))

	feedMarker(t, e, "\n__FWS_BLOCK_END__ seq=1 ts=200 exit=0\n")
	require.Eventually(t, func() bool { return !e.Busy() }, time.Second, 5*time.Millisecond)
}

func TestExecRejectsWhenBusy(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	go e.Exec(context.Background(), "sleep 1", "/tmp")
	time.Sleep(10 * time.Millisecond)
	feedMarker(t, e, "\n__FWS_BLOCK_BEGIN__ seq=1 ts=100 cwd_b64=L3RtcA== cmd_b64=c2xlZXA=\n")
	require.Eventually(t, func() bool { return e.Busy() }, time.Second, 5*time.Millisecond)

	_, err := e.Exec(context.Background(), "echo busy", "/tmp")
	require.ErrorIs(t, err, ErrBusy)
}

func TestBeginTimeoutKeepsShellAlive(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	// No BEGIN marker ever arrives; Exec must give up after the begin
	// timeout and return the engine to idle without killing the shell.
	start := time.Now()
	_, err := e.Exec(context.Background(), "echo nope", "/tmp")
	require.ErrorIs(t, err, ErrBeginTimeout)
	require.GreaterOrEqual(t, time.Since(start), beginTimeout)
	require.False(t, e.Busy())
}

// Output that merely looks like a sentinel must stay content: framing
// control travels on the marker file, never the PTY stream.
func TestSentinelLookalikeOutputStaysContent(t *testing.T) {
	e, sup := newTestEngine(t)
	defer e.Close()

	done := make(chan struct{})
	var block Block
	go func() {
		block, _ = e.Exec(context.Background(), "cat trap.txt", "/tmp")
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	feedMarker(t, e, "\n__FWS_BLOCK_BEGIN__ seq=1 ts=100 cwd_b64=L3RtcA== cmd_b64=Y2F0\n")
	<-done

	// A file whose contents echo the END sentinel verbatim.
	sup.feed([]byte("__FWS_BLOCK_END__ seq=1 ts=999 exit=7\n"))
	time.Sleep(60 * time.Millisecond)
	require.True(t, e.Busy(), "PTY content must not terminate the block")

	feedMarker(t, e, "\n__FWS_BLOCK_END__ seq=1 ts=200 exit=0\n")
	require.Eventually(t, func() bool { return !e.Busy() }, time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(e.MarkerPath())
	require.NoError(t, err)
	require.NotContains(t, string(data), "exit=7")

	out, err := os.ReadFile(filepath.Join(e.dir, block.OutputPath))
	require.NoError(t, err)
	require.Contains(t, string(out), "exit=7", "lookalike line is ordinary block output")
}

func TestInteractiveSessionEndsOnPrompt(t *testing.T) {
	e, sup := newTestEngine(t)
	defer e.Close()

	b, err := e.ExecInteractive("python3 -q")
	require.NoError(t, err)
	require.Equal(t, StatusInteractive, b.Status)
	require.True(t, e.Busy())

	require.NoError(t, e.Send([]byte("print(1+1)\n")))
	sup.feed([]byte("2\n"))

	feedMarker(t, e, "\n__FWS_PROMPT__ ts=300 cwd_b64=L3RtcA== exit=0\n")
	require.Eventually(t, func() bool { return !e.Busy() }, time.Second, 5*time.Millisecond)

	result, err := e.Waiters.WaitFor(waiter.Request{
		Match: "nonexistent-marker", MatchType: waiter.MatchSubstring,
		FromCursor: 0, TimeoutMs: 50,
	})
	require.NoError(t, err)
	require.False(t, result.Matched) // sanity check: no spurious match
}

// Prompt sentinels land in the spool (via the marker loop) so a
// prompt-type waiter can match them even though they never appear on
// the PTY stream.
func TestPromptSentinelReachesWaiters(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	feedMarker(t, e, "\n__FWS_PROMPT__ ts=400 cwd_b64=L3RtcA== exit=3\n")

	result, err := e.Waiters.WaitFor(waiter.Request{
		MatchType: waiter.MatchPrompt, FromCursor: 0, TimeoutMs: 2000,
	})
	require.NoError(t, err)
	require.True(t, result.Matched)
	require.Equal(t, "/tmp", result.Extra["cwd"])
	require.Equal(t, "3", result.Extra["exit"])
}

func TestInteractiveSessionEndsExplicitly(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	_, err := e.ExecInteractive("python3 -q")
	require.NoError(t, err)
	require.NoError(t, e.EndSession())
	require.False(t, e.Busy())
}
