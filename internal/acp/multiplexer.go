// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrsurge/agent-log-server-sub000/internal/events"
	"github.com/mrsurge/agent-log-server-sub000/internal/router"
	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup"
)

// Extension is the static configuration for one kind of agent (spec
// §3 "ACP Extension").
type Extension struct {
	ID               string
	Command          string
	Args             []string
	Env              []string
	Shellspec        string
	EagerSessionInit bool
}

// Session is a logical ACP conversation inside a shared agent process
// (spec §3 "ACP Session").
type Session struct {
	ConversationID string
	ExtensionID    string
	ShellID        shellsup.ShellID
	Cwd            string
	Router         *router.Router

	mu          sync.Mutex
	sessionID   string // assigned by the agent on session/new
	initialized bool
	ready       bool
}

// isReady reports whether session/new has completed and the session may
// receive prompts (spec §3 invariant).
func (s *Session) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// oneShot is a close-once readiness signal, used for per-extension
// handshake completion that many concurrent session creations may await
// (spec §5 "extension ready-event: a one-shot").
type oneShot struct {
	ch   chan struct{}
	once sync.Once
}

func newOneShot() *oneShot { return &oneShot{ch: make(chan struct{})} }
func (o *oneShot) fire()   { o.once.Do(func() { close(o.ch) }) }
func (o *oneShot) wait(ctx context.Context) error {
	select {
	case <-o.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Multiplexer manages shared ACP agent processes across conversations
// (spec §4.F): one OS process per extension kind, each multiplexing
// many logical sessions disambiguated by sessionId.
type Multiplexer struct {
	sup  shellsup.Supervisor
	bus  events.EventBus
	ring RawLineRecorder

	// reqID issues ids for session/new requests, starting after
	// initialize's fixed id=1 so concurrent session creations on one
	// shared client never collide in the response-correlation map.
	reqID atomic.Int64

	mu            sync.Mutex
	extensions    map[string]Extension
	clients       map[string]*Client  // extension_id -> promoted shared client
	warmupClients map[string]*Client  // extension_id -> client not yet promoted
	readyEvents   map[string]*oneShot // extension_id -> handshake-complete signal
	sessions      map[string]*Session // conversation_id -> session
	sessionsByID  map[string]*Session // agent-assigned session_id -> session, for session/update routing
}

// NewMultiplexer creates a Multiplexer bound to a process supervisor and
// the shared event bus its Event Routers publish onto. ring may be nil;
// when set, malformed/unclassifiable protocol lines are recorded there
// instead of only being logged and dropped (spec §5/§7).
func NewMultiplexer(sup shellsup.Supervisor, bus events.EventBus, ring RawLineRecorder) *Multiplexer {
	m := &Multiplexer{
		sup:           sup,
		bus:           bus,
		ring:          ring,
		extensions:    make(map[string]Extension),
		clients:       make(map[string]*Client),
		warmupClients: make(map[string]*Client),
		readyEvents:   make(map[string]*oneShot),
		sessions:      make(map[string]*Session),
		sessionsByID:  make(map[string]*Session),
	}
	m.reqID.Store(1)
	return m
}

// newSessionRequestID issues the next outgoing id for a session/new
// call: 2 for the first, counting up from there.
func (m *Multiplexer) newSessionRequestID() float64 {
	return float64(m.reqID.Add(1))
}

// RegisterExtension adds or replaces an extension's static configuration.
func (m *Multiplexer) RegisterExtension(ext Extension) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensions[ext.ID] = ext
	if _, ok := m.readyEvents[ext.ID]; !ok {
		m.readyEvents[ext.ID] = newOneShot()
	}
}

// WarmUp spawns an extension's agent process eagerly and runs the
// initialize handshake, paying agent startup cost once per server
// lifetime rather than once per conversation (spec §4.F "Warmup
// protocol").
func (m *Multiplexer) WarmUp(ctx context.Context, extensionID string) error {
	m.mu.Lock()
	ext, ok := m.extensions[extensionID]
	ready := m.readyEvents[extensionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("acp: unknown extension %q", extensionID)
	}

	label := "__warmup__" + extensionID
	shellID, err := m.sup.SpawnPipe(ctx, append([]string{ext.Command}, ext.Args...), "", ext.Env, label)
	if err != nil {
		return fmt.Errorf("acp: spawn warmup process for %s: %w", extensionID, err)
	}

	client, err := NewClient(ctx, m.sup, extensionID, shellID, m.ring)
	if err != nil {
		return fmt.Errorf("acp: attach warmup client for %s: %w", extensionID, err)
	}
	m.installHandlers(client)

	if err := m.handshake(ctx, client); err != nil {
		return fmt.Errorf("acp: handshake with %s: %w", extensionID, err)
	}

	ready.fire()

	m.mu.Lock()
	m.warmupClients[extensionID] = client
	m.mu.Unlock()
	return nil
}

// handshake sends initialize (id=1, spec §4.E) and waits for its result.
func (m *Multiplexer) handshake(ctx context.Context, client *Client) error {
	params := map[string]interface{}{
		"protocolVersion": 1,
		"clientCapabilities": map[string]interface{}{
			"fs":       map[string]bool{"readTextFile": true, "writeTextFile": true},
			"terminal": true,
		},
		"clientInfo": map[string]string{"name": "agent-log-server", "version": "1"},
	}
	_, err := client.Call(ctx, float64(1), "initialize", params)
	return err
}

// InitSession creates or returns the logical session for a conversation
// (spec §4.F "Session creation"). onReady, if non-nil, is called once
// session/new has succeeded and the session is ready to receive prompts
// — Core uses it to flip the conversation's persisted status from
// "draft" to "active" (spec §3 lifecycle).
func (m *Multiplexer) InitSession(ctx context.Context, conversationID, extensionID, cwd string, bus events.EventBus, transcript *router.TranscriptStore, onReady func() error) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[conversationID]; ok && existing.sessionID != "" {
		m.mu.Unlock()
		return existing, nil
	}
	ready, ok := m.readyEvents[extensionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("acp: unknown extension %q", extensionID)
	}

	client, shellID, err := m.sharedClient(ctx, extensionID, ready)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ConversationID: conversationID,
		ExtensionID:    extensionID,
		ShellID:        shellID,
		Cwd:            cwd,
		Router:         router.New(conversationID, bus, transcript),
	}

	m.mu.Lock()
	m.sessions[conversationID] = sess
	m.mu.Unlock()

	result, err := client.Call(ctx, m.newSessionRequestID(), "session/new", map[string]interface{}{
		"cwd":        cwd,
		"mcpServers": []interface{}{},
	})
	if err != nil {
		reportRPCError(sess.Router, err)
		return nil, fmt.Errorf("acp: session/new for %s: %w", conversationID, err)
	}

	var decoded struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil || decoded.SessionID == "" {
		return nil, fmt.Errorf("acp: session/new returned no sessionId for %s", conversationID)
	}

	sess.mu.Lock()
	sess.sessionID = decoded.SessionID
	sess.initialized = true
	sess.ready = true
	sess.mu.Unlock()

	m.mu.Lock()
	m.sessionsByID[decoded.SessionID] = sess
	m.mu.Unlock()

	if onReady != nil {
		if err := onReady(); err != nil {
			return nil, fmt.Errorf("acp: mark %s active: %w", conversationID, err)
		}
	}

	return sess, nil
}

// sharedClient returns the promoted shared Client for extensionID,
// promoting a ready warmup client or waiting (up to 60s) for warmup to
// complete (spec §4.F step 2).
func (m *Multiplexer) sharedClient(ctx context.Context, extensionID string, ready *oneShot) (*Client, shellsup.ShellID, error) {
	m.mu.Lock()
	if client, ok := m.clients[extensionID]; ok {
		shellID := client.shellID
		m.mu.Unlock()
		return client, shellID, nil
	}
	warm, hasWarm := m.warmupClients[extensionID]
	m.mu.Unlock()

	if hasWarm {
		m.mu.Lock()
		m.clients[extensionID] = warm
		delete(m.warmupClients, extensionID)
		m.mu.Unlock()
		return warm, warm.shellID, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := ready.wait(waitCtx); err != nil {
		return nil, "", fmt.Errorf("acp: timed out waiting for %s warmup: %w", extensionID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[extensionID]; ok {
		return client, client.shellID, nil
	}
	if warm, ok := m.warmupClients[extensionID]; ok {
		m.clients[extensionID] = warm
		delete(m.warmupClients, extensionID)
		return warm, warm.shellID, nil
	}
	return nil, "", fmt.Errorf("acp: %s warmup signaled ready but no client was registered", extensionID)
}

// SendPrompt writes session/prompt for an already-initialized session
// and finalizes its turn once the response arrives (spec §4.F "Sending
// a prompt"). If the agent reports the sessionId is stale (the CLI/agent
// process recycled or forgot it), the multiplexer re-runs session/new,
// rebinds the same Session to the new sessionId, and retries the prompt
// once before giving up.
func (m *Multiplexer) SendPrompt(ctx context.Context, conversationID, text string) error {
	m.mu.Lock()
	sess, ok := m.sessions[conversationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("acp: no session for conversation %q", conversationID)
	}
	client, hasClient := m.clients[sess.ExtensionID]
	m.mu.Unlock()
	if !hasClient {
		return fmt.Errorf("acp: no shared client for extension %q", sess.ExtensionID)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !sess.isReady() {
		if time.Now().After(deadline) {
			return fmt.Errorf("acp: session %q not ready", conversationID)
		}
		time.Sleep(20 * time.Millisecond)
	}

	sess.Router.StartTurn(text)

	stopReason, err := m.callPrompt(ctx, client, sess, text)
	if err != nil {
		reportRPCError(sess.Router, err)
		if isStaleSessionError(err) {
			if recErr := m.recoverStaleSession(ctx, client, sess); recErr == nil {
				stopReason, err = m.callPrompt(ctx, client, sess, text)
				if err != nil {
					reportRPCError(sess.Router, err)
				}
			}
		}
	}
	if err != nil {
		sess.Router.FinalizeTurn("cancelled")
		return fmt.Errorf("acp: session/prompt for %s: %w", conversationID, err)
	}

	sess.Router.FinalizeTurn(stopReason)
	return nil
}

// callPrompt sends one session/prompt request and decodes its stopReason.
func (m *Multiplexer) callPrompt(ctx context.Context, client *Client, sess *Session, text string) (string, error) {
	id := promptID(time.Now())
	result, err := client.Call(ctx, float64(id), "session/prompt", map[string]interface{}{
		"sessionId": sess.sessionID,
		"prompt":    []map[string]string{{"type": "text", "text": text}},
	})
	if err != nil {
		return "", err
	}

	var decoded struct {
		StopReason string `json:"stopReason"`
	}
	json.Unmarshal(result, &decoded)
	return decoded.StopReason, nil
}

// recoverStaleSession handles a session whose sessionId the agent no
// longer recognizes: it re-runs session/new against the same shared
// client and rebinds the session to its new agent-assigned id.
func (m *Multiplexer) recoverStaleSession(ctx context.Context, client *Client, sess *Session) error {
	sess.mu.Lock()
	oldSessionID := sess.sessionID
	sess.ready = false
	sess.mu.Unlock()

	result, err := client.Call(ctx, m.newSessionRequestID(), "session/new", map[string]interface{}{
		"cwd":        sess.Cwd,
		"mcpServers": []interface{}{},
	})
	if err != nil {
		reportRPCError(sess.Router, err)
		return fmt.Errorf("acp: session/new recovery for %s: %w", sess.ConversationID, err)
	}

	var decoded struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil || decoded.SessionID == "" {
		return fmt.Errorf("acp: session/new recovery returned no sessionId for %s", sess.ConversationID)
	}

	sess.mu.Lock()
	sess.sessionID = decoded.SessionID
	sess.ready = true
	sess.mu.Unlock()

	m.mu.Lock()
	delete(m.sessionsByID, oldSessionID)
	m.sessionsByID[decoded.SessionID] = sess
	m.mu.Unlock()

	return nil
}

// isStaleSessionError reports whether err is an agent-sent JSON-RPC
// error whose message indicates the sessionId is no longer recognized.
func isStaleSessionError(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "no such session") ||
		strings.Contains(msg, "unknown session") ||
		strings.Contains(msg, "session expired")
}

// reportRPCError broadcasts an rpc_error event when err is an
// agent-sent JSON-RPC error (spec §7 "User-visible failure": "any event
// of type rpc_error is broadcast on agent-sent JSON-RPC errors").
func reportRPCError(r *router.Router, err error) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		r.HandleRPCError(rpcErr.Code, rpcErr.Message)
	}
}

// CancelPrompt asks the agent to cancel an in-flight turn for
// conversationID (spec §5 "Cancellation").
func (m *Multiplexer) CancelPrompt(conversationID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[conversationID]
	var client *Client
	if ok {
		client, ok = m.clients[sess.ExtensionID]
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("acp: no session for conversation %q", conversationID)
	}
	return client.Notify("session/cancel", map[string]interface{}{"sessionId": sess.sessionID})
}

// sessionByAgentID looks up the logical session a given agent-assigned
// sessionId belongs to, for routing session/update notifications.
func (m *Multiplexer) sessionByAgentID(agentSessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessionsByID[agentSessionID]
	return sess, ok
}
