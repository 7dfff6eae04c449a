// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events defines the internal event schema broadcast by the Event
// Router and PTY Block Engine, and the bus that fans events out to
// subscribers (in-process handlers, or the Durable Tailer's WebSocket
// listeners).
package events

import (
	"context"
	"time"
)

// Event represents an immutable broadcast record. Payload carries the
// type-specific fields named in the internal event schema (e.g.
// assistant_delta{id, delta}).
type Event struct {
	ID             string                 `json:"id"`
	Version        string                 `json:"version"`
	Type           string                 `json:"type"`
	Timestamp      time.Time              `json:"timestamp"`
	ConversationID string                 `json:"conversation_id"`
	Payload        map[string]interface{} `json:"payload"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID uniquely identifies a subscription.
type SubscriptionID string

// EventFilter for querying event history.
type EventFilter struct {
	Types          []string  // Event types to match (supports wildcards)
	ConversationID string    // Filter by conversation
	Since          time.Time // Events after this time
	Until          time.Time // Events before this time
	Limit          int       // Maximum events to return
}

// EventBus is the core event pub/sub system. It is also the EventSink the
// Design Notes call for: routers hold it as an interface value, not a
// back-pointer to whatever owns it.
type EventBus interface {
	// Publish emits an event to all matching subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a synchronous handler for events matching pattern.
	Subscribe(pattern string, handler EventHandler) (SubscriptionID, error)

	// SubscribeAsync registers an async handler with buffered channel.
	SubscribeAsync(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(id SubscriptionID) error

	// History retrieves past events matching filter.
	History(filter EventFilter) ([]Event, error)

	// Close shuts down the event bus gracefully.
	Close() error
}

// Canonical event types (spec §6, "Internal event schema").
const (
	TypeAssistantDelta  = "assistant_delta"
	TypeAssistantFinal  = "assistant_finalize"
	TypeReasoningDelta  = "reasoning_delta"
	TypeShellBegin      = "shell_begin"
	TypeShellDelta      = "shell_delta"
	TypeShellEnd        = "shell_end"
	TypePlan            = "plan"
	TypeTurnStarted     = "turn_started"
	TypeTurnCompleted   = "turn_completed"
	TypeActivity        = "activity"
	TypeApprovalRequest = "approval_request"
	TypeRPCError        = "rpc_error"
	TypeMessage         = "message"
	TypeDiff            = "diff"
	TypeAgentBlockBegin = "agent_block_begin"
	TypeAgentBlockDelta = "agent_block_delta"
	TypeAgentBlockEnd   = "agent_block_end"
)
