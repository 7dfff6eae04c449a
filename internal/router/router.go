// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mrsurge/agent-log-server-sub000/internal/events"
)

// PlanStep mirrors one entry of an ACP "plan" update.
type PlanStep struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// turnState is the transient, per-turn streaming buffer (spec §3 "Turn
// State"): created by StartTurn, before any of the turn's deltas,
// logically discarded once finalize has run.
type turnState struct {
	id            string
	assistant     strings.Builder
	reasoning     strings.Builder
	diffHashes    map[string]struct{}
	plan          []PlanStep
	reasoningSent bool
}

// Router is a per-conversation Event Router (spec §4.G). It consumes
// parsed ACP updates, emits internal events onto the EventBus, and
// writes deduplicated rows to the conversation's TranscriptStore.
type Router struct {
	conversationID string
	bus            events.EventBus
	transcript     *TranscriptStore

	mu          sync.Mutex
	turnCounter uint64
	current     *turnState
}

// New creates a Router for one conversation.
func New(conversationID string, bus events.EventBus, transcript *TranscriptStore) *Router {
	return &Router{conversationID: conversationID, bus: bus, transcript: transcript}
}

func (r *Router) publish(typ string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(context.Background(), events.Event{
		Type:           typ,
		Timestamp:      time.Now(),
		ConversationID: r.conversationID,
		Payload:        payload,
	})
}

// StartTurn begins a new turn: records the user's message, assigns a
// turn-scoped id all of its deltas will share, and emits turn_started +
// activity=true before the caller is allowed to write session/prompt
// (spec §5: "on_turn_start is called by the caller before session/prompt
// is written, so turn_started precedes any delta of that turn").
func (r *Router) StartTurn(userText string) string {
	r.mu.Lock()
	r.turnCounter++
	id := fmt.Sprintf("turn_%d", r.turnCounter)
	r.current = &turnState{id: id, diffHashes: make(map[string]struct{})}
	r.mu.Unlock()

	r.transcript.Append(r.conversationID, id+":user", "user", TranscriptRow{"text": userText})
	r.publish(events.TypeMessage, map[string]interface{}{"role": "user", "text": userText, "id": id})
	r.publish(events.TypeTurnStarted, map[string]interface{}{"id": id})
	r.publish(events.TypeActivity, map[string]interface{}{"active": true})
	return id
}

// HandleAssistantChunk accumulates and rebroadcasts an
// agent_message_chunk delta.
func (r *Router) HandleAssistantChunk(delta string) {
	r.mu.Lock()
	t := r.current
	if t == nil {
		r.mu.Unlock()
		return
	}
	t.assistant.WriteString(delta)
	id := t.id
	r.mu.Unlock()

	r.publish(events.TypeAssistantDelta, map[string]interface{}{"id": id, "delta": delta})
}

// HandleThoughtChunk accumulates and rebroadcasts an agent_thought_chunk
// delta. Reasoning always precedes the assistant message in the ACP
// flow (spec §5 ordering invariant).
func (r *Router) HandleThoughtChunk(delta string) {
	r.mu.Lock()
	t := r.current
	if t == nil {
		r.mu.Unlock()
		return
	}
	t.reasoning.WriteString(delta)
	id := t.id
	r.mu.Unlock()

	r.publish(events.TypeReasoningDelta, map[string]interface{}{"id": id, "delta": delta})
}

// HandleToolCallBegin maps an ACP tool_call to shell_begin.
func (r *Router) HandleToolCallBegin(toolCallID, command string) {
	r.publish(events.TypeShellBegin, map[string]interface{}{"id": toolCallID, "command": command})
}

// HandleToolCallDelta maps a tool_call_update{status:in_progress} to
// shell_delta.
func (r *Router) HandleToolCallDelta(toolCallID, delta string) {
	r.publish(events.TypeShellDelta, map[string]interface{}{"id": toolCallID, "delta": delta})
}

// HandleToolCallEnd maps a tool_call_update{status:completed|failed} to
// shell_end and records a "command" transcript row.
func (r *Router) HandleToolCallEnd(toolCallID string, exitCode *int, stdout, stderr string) {
	r.publish(events.TypeShellEnd, map[string]interface{}{
		"id": toolCallID, "exit_code": exitCode, "stdout": stdout, "stderr": stderr,
	})
	r.transcript.Append(r.conversationID, toolCallID, "command", TranscriptRow{
		"exit_code": exitCode, "stdout": stdout, "stderr": stderr,
	})
}

// HandlePlan maps an ACP "plan" update onto a plan event.
func (r *Router) HandlePlan(steps []PlanStep) {
	r.mu.Lock()
	if r.current != nil {
		r.current.plan = steps
	}
	r.mu.Unlock()

	stepsPayload := make([]map[string]interface{}, len(steps))
	for i, s := range steps {
		stepsPayload[i] = map[string]interface{}{"content": s.Content, "status": s.Status, "priority": s.Priority}
	}
	r.publish(events.TypePlan, map[string]interface{}{"steps": stepsPayload})
}

// HandleDiff extracts a diff from a loosely-typed provider payload and
// emits it once per turn per distinct signature (spec §4.G dedup rule).
func (r *Router) HandleDiff(payload map[string]interface{}) {
	text, path, ok := ExtractDiff(payload)
	if !ok {
		return
	}
	sig := DiffSignature(text)

	r.mu.Lock()
	t := r.current
	if t == nil {
		r.mu.Unlock()
		return
	}
	if _, seen := t.diffHashes[sig]; seen {
		r.mu.Unlock()
		return
	}
	t.diffHashes[sig] = struct{}{}
	id := t.id
	r.mu.Unlock()

	r.publish(events.TypeDiff, map[string]interface{}{"id": id, "text": text, "path": path})
}

// HandleApprovalRequest broadcasts an approval_request for a
// session/request_permission call the ACP client is auto-responding to.
func (r *Router) HandleApprovalRequest(requestID interface{}, toolCall map[string]interface{}) {
	r.publish(events.TypeApprovalRequest, map[string]interface{}{"request_id": requestID, "tool_call": toolCall})
}

// HandleRPCError broadcasts an rpc_error for any agent-sent JSON-RPC
// error (spec §7 "User-visible failure").
func (r *Router) HandleRPCError(code int, message string) {
	r.publish(events.TypeRPCError, map[string]interface{}{"code": code, "message": message})
}

// statusForStopReason derives the transcript/event status from ACP's
// stopReason (spec §4.G): end_turn→success, refusal|max_tokens→error,
// else warning.
func statusForStopReason(stopReason string) string {
	switch stopReason {
	case "end_turn":
		return "success"
	case "refusal", "max_tokens":
		return "error"
	default:
		return "warning"
	}
}

// FinalizeTurn ends the current turn in the exact order spec §5
// requires: reasoning transcript row → assistant_finalize broadcast →
// assistant transcript row → turn_completed → activity=false →
// status transcript row.
func (r *Router) FinalizeTurn(stopReason string) {
	r.mu.Lock()
	t := r.current
	if t == nil {
		r.mu.Unlock()
		return
	}
	id := t.id
	reasoningText := t.reasoning.String()
	assistantText := t.assistant.String()
	r.current = nil
	r.mu.Unlock()

	if reasoningText != "" {
		r.transcript.Append(r.conversationID, id+":reasoning", "reasoning", TranscriptRow{"text": reasoningText})
	}

	r.publish(events.TypeAssistantFinal, map[string]interface{}{"id": id, "text": assistantText})
	r.transcript.Append(r.conversationID, id+":assistant", "assistant", TranscriptRow{"text": assistantText})

	status := statusForStopReason(stopReason)
	r.publish(events.TypeTurnCompleted, map[string]interface{}{"id": id, "status": status})
	r.publish(events.TypeActivity, map[string]interface{}{"active": false})
	r.transcript.Append(r.conversationID, id+":status", "status", TranscriptRow{"status": status})
}

// CurrentTurnID returns the active turn's id, or "" if idle.
func (r *Router) CurrentTurnID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.id
}
