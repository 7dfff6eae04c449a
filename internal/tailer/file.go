// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tailer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"time"

	"github.com/valyala/bytebufferpool"
)

// Translator maps a raw JSONL line onto an enriched line before
// broadcast, e.g. tagging PTY block events with a discriminator before
// they reach a client. Returning nil drops the line instead of
// broadcasting it.
type Translator func(line []byte) []byte

// FileTailer tails one JSONL file from its persisted byte offset,
// broadcasting each complete line onto a Hub.
type FileTailer struct {
	path      string
	offsets   *OffsetStore
	hub       *Hub
	translate Translator
	pollEvery time.Duration
}

// NewFileTailer creates a tailer for path. translate may be nil to
// broadcast raw lines unmodified.
func NewFileTailer(path string, hub *Hub, translate Translator) *FileTailer {
	return &FileTailer{
		path:      path,
		offsets:   NewOffsetStore(path),
		hub:       hub,
		translate: translate,
		pollEvery: 50 * time.Millisecond,
	}
}

// Run tails the file until ctx is cancelled, advancing and persisting
// the offset after each poll.
func (t *FileTailer) Run(ctx context.Context) error {
	offset := t.offsets.Load()

	ticker := time.NewTicker(t.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next, err := t.poll(offset)
			if err != nil {
				log.Printf("tailer: poll %s: %v", t.path, err)
				continue
			}
			if next != offset {
				offset = next
				if err := t.offsets.Save(offset); err != nil {
					log.Printf("tailer: persist offset for %s: %v", t.path, err)
				}
			}
		}
	}
}

// poll reads any bytes appended since fromOffset, broadcasts each
// complete line, and returns the new offset (the start of any trailing
// partial line, left unconsumed for the next poll).
func (t *FileTailer) poll(fromOffset int64) (int64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fromOffset, nil
		}
		return fromOffset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fromOffset, err
	}

	// Truncation recovery: the file shrank under us, most likely rotated
	// or rewritten; restart from its beginning.
	if info.Size() < fromOffset {
		fromOffset = 0
	}
	if info.Size() == fromOffset {
		return fromOffset, nil
	}

	if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
		return fromOffset, err
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := buf.ReadFrom(f); err != nil {
		return fromOffset, err
	}

	consumed := 0
	data := buf.B
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := data[consumed : consumed+idx]
		consumed += idx + 1
		t.emit(line)
	}

	return fromOffset + int64(consumed), nil
}

func (t *FileTailer) emit(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	if !json.Valid(line) {
		return
	}
	out := line
	if t.translate != nil {
		out = t.translate(line)
		if out == nil {
			return
		}
	}
	cp := make([]byte, len(out))
	copy(cp, out)
	t.hub.Broadcast(cp)
}
