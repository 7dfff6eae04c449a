// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"sort"
	"sync"
	"time"
)

// EventHistoryConfig bounds what the bus retains for late subscribers.
type EventHistoryConfig struct {
	MaxEvents int
	MaxAge    time.Duration
}

// EventHistory retains the most recent broadcast events in a
// fixed-capacity ring so an in-process subscriber that attaches
// mid-conversation can query what it missed. It is a bounded cache, not
// the durable record — transcript.jsonl and events.jsonl own that.
type EventHistory struct {
	mu      sync.RWMutex
	ring    []Event
	head    int // index of the oldest retained event
	count   int
	maxAge  time.Duration
	matcher *PatternMatcher
}

// NewEventHistory creates a history retaining at most cfg.MaxEvents
// events (default 10000) no older than cfg.MaxAge (default one hour).
func NewEventHistory(cfg EventHistoryConfig) *EventHistory {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}

	return &EventHistory{
		ring:    make([]Event, cfg.MaxEvents),
		maxAge:  cfg.MaxAge,
		matcher: NewPatternMatcher(),
	}
}

// Add stores an event, overwriting the oldest retained one once the
// ring is full.
func (h *EventHistory) Add(event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ring == nil {
		return nil
	}

	h.ring[(h.head+h.count)%len(h.ring)] = event
	if h.count < len(h.ring) {
		h.count++
	} else {
		h.head = (h.head + 1) % len(h.ring)
	}
	return nil
}

// snapshotLocked returns the retained events oldest-first. Caller holds
// at least a read lock.
func (h *EventHistory) snapshotLocked() []Event {
	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, h.ring[(h.head+i)%len(h.ring)])
	}
	return out
}

// Query retrieves retained events matching filter, oldest first. A
// positive Limit keeps the newest Limit matches.
func (h *EventHistory) Query(filter EventFilter) ([]Event, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range h.snapshotLocked() {
		if h.matchesFilter(event, filter) {
			result = append(result, event)
		}
	}

	// Insertion order is almost always timestamp order, but events
	// stamped by different producers can interleave; sort so callers
	// can rely on it.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}

	return result, nil
}

func (h *EventHistory) matchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		matched := false
		for _, pattern := range filter.Types {
			if h.matcher.Match(event.Type, pattern) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if filter.ConversationID != "" && event.ConversationID != filter.ConversationID {
		return false
	}
	if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && event.Timestamp.After(filter.Until) {
		return false
	}

	return true
}

// Prune drops retained events older than MaxAge, compacting the ring.
func (h *EventHistory) Prune() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ring == nil || h.count == 0 {
		return nil
	}

	cutoff := time.Now().Add(-h.maxAge)
	kept := make([]Event, 0, h.count)
	for _, event := range h.snapshotLocked() {
		if event.Timestamp.After(cutoff) {
			kept = append(kept, event)
		}
	}

	h.head = 0
	h.count = copy(h.ring, kept)
	return nil
}

// Close releases the ring.
func (h *EventHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = nil
	h.head = 0
	h.count = 0
	return nil
}
