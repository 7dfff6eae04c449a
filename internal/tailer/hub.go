// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tailer

import "sync"

// Hub fans a tailed file's lines out to every live subscriber: every
// subscriber sees every line in production order, and a full subscriber
// buffer drops rather than blocking the tailer.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan []byte]struct{})}
}

// Subscribe registers a new buffered channel that will receive every
// line broadcast from this point forward.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Safe to call more than once.
func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// Broadcast sends line to every subscriber, dropping for any whose
// buffer is full.
func (h *Hub) Broadcast(line []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// CloseAll closes every subscriber channel, used when a conversation
// shuts down.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan []byte]struct{})
}
