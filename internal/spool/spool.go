// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package spool implements the per-conversation Output Spool: an
// append-only, cursor-addressable byte log fed by a shell's raw PTY
// output. Every byte written is immediately visible to readers using a
// monotone cursor, and no reader sees the same byte twice.
package spool

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// DefaultReadMax and MaxReadCap bound a single read() call (spec §5
// resource caps): 64 KiB is the default slice size callers get back if
// they don't ask for more, 512 KiB is the hard ceiling regardless of what
// a caller requests.
const (
	DefaultReadMax = 64 * 1024
	MaxReadCap     = 512 * 1024
)

// Spool is a thread-safe, append-only byte log with a monotone cursor.
// One Spool exists per conversation's shell; the Waiter Registry and the
// Durable Tailer both read from it concurrently with the writer.
type Spool struct {
	mu   sync.RWMutex
	data []byte
	file *os.File // nil for a memory-only spool
}

// New creates an empty, memory-only spool.
func New() *Spool {
	return &Spool{}
}

// Open creates a spool backed by the file at path (the conversation's
// agent_pty/output.spool). Bytes already on disk from a prior process
// are loaded first, so cursors handed out before a restart stay valid
// afterward, and every subsequent Append lands on disk as well as in
// memory. An unwritable spool file refuses the conversation outright.
func Open(path string) (*Spool, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("spool: read %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", path, err)
	}
	return &Spool{data: existing, file: f}, nil
}

// Append normalizes line endings (CRLF and bare CR collapse to LF) and
// appends the bytes atomically, returning the spool's new length. A
// reader holding any prior cursor can safely call Read again afterward:
// bytes already handed out are never rewritten.
func (s *Spool) Append(b []byte) int {
	normalized := normalizeNewlines(b)

	s.mu.Lock()
	s.data = append(s.data, normalized...)
	n := len(s.data)
	if s.file != nil {
		if _, err := s.file.Write(normalized); err != nil {
			log.Printf("spool: write %s: %v", s.file.Name(), err)
		}
	}
	s.mu.Unlock()

	return n
}

// Close releases the backing file, if any. Memory-only spools are a
// no-op.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Read returns up to maxBytes starting at fromCursor, along with the
// cursor the caller should pass next time. If fromCursor is beyond the
// current size, it is clamped and an empty slice is returned. A
// non-positive maxBytes becomes DefaultReadMax; one above MaxReadCap is
// clamped to MaxReadCap.
func (s *Spool) Read(fromCursor int, maxBytes int) ([]byte, int) {
	switch {
	case maxBytes <= 0:
		maxBytes = DefaultReadMax
	case maxBytes > MaxReadCap:
		maxBytes = MaxReadCap
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	size := len(s.data)
	if fromCursor < 0 {
		fromCursor = 0
	}
	if fromCursor > size {
		fromCursor = size
	}

	end := fromCursor + maxBytes
	if end > size {
		end = size
	}

	if fromCursor >= end {
		return nil, fromCursor
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.Write(s.data[fromCursor:end])

	out := make([]byte, buf.Len())
	copy(out, buf.B)

	return out, fromCursor + len(out)
}

// Size returns the spool's current length.
func (s *Spool) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// ReadUnbounded returns up to maxBytes starting at fromCursor without
// clamping to MaxReadCap. The Waiter Registry uses this: its scan window
// is governed by spec §5's separate 1 MiB-per-append-cycle cap, not the
// Output Spool's own per-request read cap.
func (s *Spool) ReadUnbounded(fromCursor, maxBytes int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := len(s.data)
	if fromCursor < 0 {
		fromCursor = 0
	}
	if fromCursor > size {
		fromCursor = size
	}

	end := size
	if maxBytes > 0 && fromCursor+maxBytes < end {
		end = fromCursor + maxBytes
	}

	if fromCursor >= end {
		return nil
	}

	out := make([]byte, end-fromCursor)
	copy(out, s.data[fromCursor:end])
	return out
}

// normalizeNewlines collapses CRLF and bare CR into LF, matching how a
// PTY's line discipline mixes line endings across tools.
func normalizeNewlines(b []byte) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for i := 0; i < len(b); i++ {
		c := b[i]
		if c == '\r' {
			buf.WriteByte('\n')
			if i+1 < len(b) && b[i+1] == '\n' {
				i++
			}
			continue
		}
		buf.WriteByte(c)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out
}
