// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package acp

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mrsurge/agent-log-server-sub000/internal/router"
)

// installHandlers wires every method an ACP client must answer
// (session/update, session/request_permission, fs/*, terminal/*) onto a
// freshly-created Client. One set of handlers is shared by every
// session multiplexed through this client; each handler disambiguates
// by the sessionId carried in its params.
func (m *Multiplexer) installHandlers(client *Client) {
	client.SetNotificationHandler("session/update", m.handleSessionUpdate)
	client.SetRequestHandler("session/request_permission", m.handleRequestPermission)
	client.SetRequestHandler("fs/read_text_file", handleReadTextFile)
	client.SetRequestHandler("fs/write_text_file", handleWriteTextFile)
	client.SetRequestHandler("create_terminal", stubTerminalResult)
	client.SetRequestHandler("terminal_output", stubTerminalResult)
	client.SetRequestHandler("wait_for_terminal_exit", stubTerminalResult)
	client.SetRequestHandler("kill_terminal", stubTerminalResult)
	client.SetRequestHandler("release_terminal", stubTerminalResult)
}

type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// updateEnvelope is the tagged-union shape of one session/update
// payload (spec §4.G mapping table).
type updateEnvelope struct {
	SessionUpdate string `json:"sessionUpdate"`

	Content json.RawMessage `json:"content,omitempty"` // agent_message_chunk / agent_thought_chunk: {type:"text", text}

	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`

	Entries json.RawMessage `json:"entries,omitempty"` // plan

	Diff json.RawMessage `json:"diff,omitempty"`
}

// handleSessionUpdate is the single dispatch point translating every
// ACP session/update notification into Event Router calls (spec §4.G).
func (m *Multiplexer) handleSessionUpdate(params json.RawMessage) {
	var p sessionUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	sess, ok := m.sessionByAgentID(p.SessionID)
	if !ok {
		return
	}

	var u updateEnvelope
	if err := json.Unmarshal(p.Update, &u); err != nil {
		return
	}

	switch u.SessionUpdate {
	case "agent_message_chunk":
		sess.Router.HandleAssistantChunk(textOf(u.Content))
	case "agent_thought_chunk":
		sess.Router.HandleThoughtChunk(textOf(u.Content))
	case "tool_call":
		sess.Router.HandleToolCallBegin(u.ToolCallID, u.Title)
	case "tool_call_update":
		switch u.Status {
		case "in_progress":
			sess.Router.HandleToolCallDelta(u.ToolCallID, textOf(u.Content))
		case "completed", "failed":
			var outcome struct {
				ExitCode *int   `json:"exitCode"`
				Stdout   string `json:"stdout"`
				Stderr   string `json:"stderr"`
			}
			json.Unmarshal(u.RawInput, &outcome)
			sess.Router.HandleToolCallEnd(u.ToolCallID, outcome.ExitCode, outcome.Stdout, outcome.Stderr)
		}
		if u.Diff != nil {
			var payload map[string]interface{}
			if json.Unmarshal(u.Diff, &payload) == nil {
				sess.Router.HandleDiff(payload)
			}
		}
	case "plan":
		var steps []router.PlanStep
		json.Unmarshal(u.Entries, &steps)
		sess.Router.HandlePlan(steps)
	}
}

// textOf extracts the "text" field from an ACP content block
// ({type:"text", text:"..."}); non-text blocks yield "".
func textOf(content json.RawMessage) string {
	if content == nil {
		return ""
	}
	var block struct {
		Text string `json:"text"`
	}
	json.Unmarshal(content, &block)
	return block.Text
}

// handleRequestPermission auto-approves every tool call while
// broadcasting an approval_request event so a UI can observe the
// decision (spec §4.E: "default core policy is auto-approve while
// simultaneously emitting an approval_request internal event").
func (m *Multiplexer) handleRequestPermission(id interface{}, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string                 `json:"sessionId"`
		ToolCall  map[string]interface{} `json:"toolCall"`
	}
	json.Unmarshal(params, &p)

	if sess, ok := m.sessionByAgentID(p.SessionID); ok {
		sess.Router.HandleApprovalRequest(id, p.ToolCall)
	}

	return map[string]string{"outcome": "approved"}, nil
}

type readTextFileParams struct {
	Path string `json:"path"`
}

func handleReadTextFile(_ interface{}, params json.RawMessage) (interface{}, error) {
	var p readTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("acp: malformed read_text_file params: %w", err)
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"content": string(data)}, nil
}

type writeTextFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func handleWriteTextFile(_ interface{}, params json.RawMessage) (interface{}, error) {
	var p writeTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("acp: malformed write_text_file params: %w", err)
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

// stubTerminalResult answers every create_terminal/terminal_output/
// wait_for_terminal_exit/kill_terminal/release_terminal call with an
// empty success result until a full terminal backend is wired (spec
// §4.E: "terminal stubs return success with empty output").
func stubTerminalResult(interface{}, json.RawMessage) (interface{}, error) {
	return map[string]interface{}{}, nil
}
