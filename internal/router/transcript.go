// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router implements the Event Router (spec §4.G): it maps
// heterogeneous ACP provider updates onto the internal event schema,
// accumulates turn-scoped streaming buffers, emits finalize events in
// the ordering spec §5 requires, and deduplicates idempotent diffs and
// transcript rows.
package router

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// TranscriptRow is one free-form JSON object appended to transcript.jsonl
// (spec §3's Transcript Row: role-tagged, with role-specific fields).
type TranscriptRow map[string]interface{}

// dedupKey is (conversation_id, item_id, role) per spec §3.
type dedupKey struct {
	conversationID string
	itemID         string
	role           string
}

// TranscriptStore appends rows to a conversation's transcript.jsonl and
// deduplicates by (conversation_id, item_id, role) so a finalize that
// runs twice (e.g. after a reconnect) never produces two lines (spec §8
// invariant 5, scenario 6).
type TranscriptStore struct {
	mu   sync.Mutex
	f    *os.File
	seen map[dedupKey]struct{}
}

// OpenTranscriptStore opens (creating if absent) the transcript.jsonl at
// path for appending.
func OpenTranscriptStore(path string) (*TranscriptStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("router: open transcript: %w", err)
	}
	return &TranscriptStore{f: f, seen: make(map[dedupKey]struct{})}, nil
}

// Append writes one row, stamping ts/role/item_id/conversation_id, and
// reports whether it was newly written (false means a duplicate no-op).
func (s *TranscriptStore) Append(conversationID, itemID, role string, row TranscriptRow) (bool, error) {
	key := dedupKey{conversationID, itemID, role}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return false, nil
	}

	if row == nil {
		row = TranscriptRow{}
	}
	row["ts"] = time.Now().UTC()
	row["role"] = role
	row["item_id"] = itemID
	row["conversation_id"] = conversationID

	line, err := json.Marshal(row)
	if err != nil {
		return false, fmt.Errorf("router: marshal transcript row: %w", err)
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return false, fmt.Errorf("router: write transcript row: %w", err)
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// Close closes the underlying file.
func (s *TranscriptStore) Close() error {
	return s.f.Close()
}
