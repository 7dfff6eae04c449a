// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package core wires every subsystem — the extension registry, the ACP
// Multiplexer, the PTY Block Engine, the Event Router, and the Durable
// Tailer — into a single non-global value rather than process-wide
// mutable maps.
package core

import (
	"sync"
	"time"
)

const defaultRingCapacity = 200

// RawRingBuffer is an in-memory, fixed-capacity, FIFO-drop log of raw
// ACP/PTY protocol lines kept for post-hoc debugging (spec §5's
// resource caps: "debug ring buffer of raw ACP/appserver lines: default
// 200 entries, FIFO drop on overflow"). Protocol violations (spec §7)
// are recorded here instead of being discarded outright.
type RawRingBuffer struct {
	mu       sync.Mutex
	entries  []RawEntry
	capacity int
	next     int
	full     bool
}

// RawEntry is one recorded line.
type RawEntry struct {
	ConversationID string `json:"conversation_id"`
	Source         string `json:"source"` // "acp" or "pty"
	Line           string `json:"line"`
	TsMillis       int64  `json:"ts_ms"`
}

// NewRawRingBuffer creates a buffer with the given capacity, defaulting
// to 200 if capacity <= 0.
func NewRawRingBuffer(capacity int) *RawRingBuffer {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &RawRingBuffer{entries: make([]RawEntry, capacity), capacity: capacity}
}

// Add records an entry, overwriting the oldest one once the buffer is full.
func (b *RawRingBuffer) Add(entry RawEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.full = true
	}
}

// RecordRaw records a dropped protocol line, stamping it with the
// current time. Satisfies acp.RawLineRecorder and ptyengine.RawLineRecorder
// via structural typing so neither package needs to import core.
func (b *RawRingBuffer) RecordRaw(conversationID, source, line string) {
	b.Add(RawEntry{
		ConversationID: conversationID,
		Source:         source,
		Line:           line,
		TsMillis:       time.Now().UnixMilli(),
	})
}

// Snapshot returns every currently held entry in insertion order,
// oldest first.
func (b *RawRingBuffer) Snapshot() []RawEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]RawEntry, b.next)
		copy(out, b.entries[:b.next])
		return out
	}

	out := make([]RawEntry, b.capacity)
	copy(out, b.entries[b.next:])
	copy(out[b.capacity-b.next:], b.entries[:b.next])
	return out
}
