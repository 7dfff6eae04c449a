// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrsurge/agent-log-server-sub000/internal/events"
	"github.com/mrsurge/agent-log-server-sub000/internal/router"
	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup"
)

// pipeSupervisor is a minimal shellsup.Supervisor double that wires a
// SpawnPipe call to an in-memory io.Pipe pair, letting tests play the
// role of the agent subprocess: reading what the client writes to
// "stdin" and writing scripted NDJSON lines as "stdout".
type pipeSupervisor struct {
	agentReadsFromClient *io.PipeReader // test reads client's writes here
	clientReadsFromAgent *io.PipeWriter // test writes agent lines here
}

func newPipeSupervisor() (*pipeSupervisor, shellsup.PipeHandles) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	sup := &pipeSupervisor{agentReadsFromClient: stdinR, clientReadsFromAgent: stdoutW}
	handles := shellsup.PipeHandles{Stdin: stdinW, Stdout: stdoutR}
	return sup, handles
}

func (p *pipeSupervisor) SpawnPTY(context.Context, []string, string, string) (shellsup.ShellID, error) {
	return "", nil
}
func (p *pipeSupervisor) SpawnPipe(context.Context, []string, string, []string, string) (shellsup.ShellID, error) {
	return "fake-agent", nil
}
func (p *pipeSupervisor) WriteToPTY(shellsup.ShellID, []byte) error { return nil }
func (p *pipeSupervisor) SubscribeOutput(shellsup.ShellID) (<-chan []byte, func(), error) {
	return nil, func() {}, nil
}
func (p *pipeSupervisor) GetPipeState(shellsup.ShellID) (shellsup.PipeHandles, error) {
	return shellsup.PipeHandles{}, nil // overridden per-test via handles returned by newPipeSupervisor
}
func (p *pipeSupervisor) Terminate(shellsup.ShellID, bool) error                 { return nil }
func (p *pipeSupervisor) FindByLabel(string, shellsup.Status) (shellsup.ShellID, bool) {
	return "", false
}
func (p *pipeSupervisor) Resize(shellsup.ShellID, uint16, uint16) error { return nil }

// handleSupervisor wraps pipeSupervisor so GetPipeState returns the
// handles the test constructed, since the real Supervisor interface
// doesn't let SpawnPipe return handles directly.
type handleSupervisor struct {
	*pipeSupervisor
	handles shellsup.PipeHandles
}

func (h *handleSupervisor) GetPipeState(shellsup.ShellID) (shellsup.PipeHandles, error) {
	return h.handles, nil
}

// agentScripted drives the test's side of the fake agent: reads one
// JSON-RPC request line and replies with a canned response keyed by
// method.
type agentScripted struct {
	reader *bufio.Scanner
	writer io.Writer
}

func newAgentScripted(sup *pipeSupervisor) *agentScripted {
	s := bufio.NewScanner(sup.agentReadsFromClient)
	s.Buffer(make([]byte, 0, 1<<20), 1<<20)
	return &agentScripted{reader: s, writer: sup.clientReadsFromAgent}
}

func (a *agentScripted) readRequest(t *testing.T) map[string]interface{} {
	t.Helper()
	require.True(t, a.reader.Scan())
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(a.reader.Bytes(), &m))
	return m
}

func (a *agentScripted) reply(t *testing.T, id interface{}, result interface{}) {
	t.Helper()
	line, err := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
	require.NoError(t, err)
	_, err = a.writer.Write(append(line, '\n'))
	require.NoError(t, err)
}

func (a *agentScripted) notify(t *testing.T, method string, params interface{}) {
	t.Helper()
	line, err := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "method": method, "params": params})
	require.NoError(t, err)
	_, err = a.writer.Write(append(line, '\n'))
	require.NoError(t, err)
}

func newTestMultiplexer(t *testing.T) (*Multiplexer, *agentScripted) {
	t.Helper()
	fake, handles := newPipeSupervisor()
	sup := &handleSupervisor{pipeSupervisor: fake, handles: handles}
	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100})
	mux := NewMultiplexer(sup, bus, nil)
	mux.RegisterExtension(Extension{ID: "gemini", Command: "gemini-agent"})

	agent := newAgentScripted(fake)

	done := make(chan error, 1)
	go func() { done <- mux.WarmUp(context.Background(), "gemini") }()

	req := agent.readRequest(t)
	require.Equal(t, "initialize", req["method"])
	agent.reply(t, req["id"], map[string]interface{}{"protocolVersion": float64(1)})

	require.NoError(t, <-done)
	return mux, agent
}

func TestWarmUpHandshake(t *testing.T) {
	newTestMultiplexer(t)
}

func TestInitSessionAssignsSessionID(t *testing.T) {
	mux, agent := newTestMultiplexer(t)

	transcript, err := router.OpenTranscriptStore(t.TempDir() + "/transcript.jsonl")
	require.NoError(t, err)
	defer transcript.Close()

	done := make(chan error, 1)
	var sess *Session
	go func() {
		var err error
		sess, err = mux.InitSession(context.Background(), "conv1", "gemini", "/work", mux.bus, transcript, nil)
		done <- err
	}()

	req := agent.readRequest(t)
	require.Equal(t, "session/new", req["method"])
	agent.reply(t, req["id"], map[string]interface{}{"sessionId": "sess-abc"})

	require.NoError(t, <-done)
	require.Equal(t, "sess-abc", sess.sessionID)
	require.True(t, sess.isReady())
}

func TestSendPromptFinalizesTurn(t *testing.T) {
	mux, agent := newTestMultiplexer(t)

	transcript, err := router.OpenTranscriptStore(t.TempDir() + "/transcript.jsonl")
	require.NoError(t, err)
	defer transcript.Close()

	sessDone := make(chan error, 1)
	go func() {
		_, err := mux.InitSession(context.Background(), "conv1", "gemini", "/work", mux.bus, transcript, nil)
		sessDone <- err
	}()
	req := agent.readRequest(t)
	agent.reply(t, req["id"], map[string]interface{}{"sessionId": "sess-abc"})
	require.NoError(t, <-sessDone)

	promptDone := make(chan error, 1)
	go func() {
		promptDone <- mux.SendPrompt(context.Background(), "conv1", "hello")
	}()

	promptReq := agent.readRequest(t)
	require.Equal(t, "session/prompt", promptReq["method"])

	// Simulate a streamed session/update before the prompt response.
	agent.notify(t, "session/update", map[string]interface{}{
		"sessionId": "sess-abc",
		"update": map[string]interface{}{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]string{"type": "text", "text": "hi there"},
		},
	})

	agent.reply(t, promptReq["id"], map[string]interface{}{"stopReason": "end_turn"})

	require.NoError(t, <-promptDone)

	mux.mu.Lock()
	sess := mux.sessions["conv1"]
	mux.mu.Unlock()
	require.Equal(t, "", sess.Router.CurrentTurnID())
}

func TestSendPromptUnknownConversation(t *testing.T) {
	mux, _ := newTestMultiplexer(t)
	err := mux.SendPrompt(context.Background(), "missing", "hi")
	require.Error(t, err)
}
