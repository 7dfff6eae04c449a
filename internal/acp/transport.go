// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package acp implements the ACP Client and ACP Multiplexer (spec
// §4.E/§4.F): a JSON-RPC 2.0-over-stdio client for agent subprocesses,
// and a manager that shares one OS process per agent extension kind
// across many logical conversations, each with its own ACP session.
package acp

import (
	"encoding/json"
	"fmt"
)

// envelope is the generic shape every transport line is unmarshaled
// into first, so the reader can classify it (spec §4.E "Incoming
// classification") before picking a concrete type.
type envelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError mirrors a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("acp: rpc error %d: %s", e.Code, e.Message)
}

// kind classifies one transport line per spec §4.E:
//   - method+id present  -> request from the agent; must be answered.
//   - method only        -> notification; routed without a response.
//   - result/error only  -> response to one of our outgoing requests.
type kind int

const (
	kindUnknown kind = iota
	kindAgentRequest
	kindNotification
	kindResponse
)

func (e envelope) classify() kind {
	switch {
	case e.Method != "" && len(e.ID) > 0:
		return kindAgentRequest
	case e.Method != "":
		return kindNotification
	case e.Result != nil || e.Error != nil:
		return kindResponse
	default:
		return kindUnknown
	}
}

// rpcRequest is an outgoing request or notification line. Notifications
// omit ID.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcResponse is an outgoing response to an agent-issued request.
type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

func encodeLine(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// idKey converts a JSON-RPC id (number or string) into a comparable map
// key. Ids this client assigns are always numeric: 1 for initialize, a
// counter for session/new, and a millis timestamp for session/prompt.
func idKey(raw json.RawMessage) (interface{}, error) {
	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err == nil {
		return asFloat, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	return nil, fmt.Errorf("acp: unrecognized id shape %q", string(raw))
}
