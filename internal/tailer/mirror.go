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
	"path/filepath"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/mrsurge/agent-log-server-sub000/internal/router"
)

// TranscriptSink is the narrow slice of router.TranscriptStore the
// Mirror needs.
type TranscriptSink interface {
	Append(conversationID, itemID, role string, row router.TranscriptRow) (bool, error)
}

// Mirror tails a conversation's agent_pty/events.jsonl and replays each
// block lifecycle row into transcript.jsonl as a role="agent_pty" row,
// so the transcript is a single source of truth that includes PTY block
// activity alongside ACP turns (spec §3's agent_pty Transcript Row). Its
// progress is persisted to agent_pty/.transcript_offset — the one offset
// file spec §6 names literally — distinct from the generic per-file
// offsets FileTailer keeps for live WebSocket fan-out resume.
type Mirror struct {
	conversationID string
	eventsPath     string
	offsets        *OffsetStore
	sink           TranscriptSink
	pollEvery      time.Duration
}

// NewMirror creates a Mirror for conversationID tailing eventsPath
// (agent_pty/events.jsonl) into sink.
func NewMirror(conversationID, eventsPath string, sink TranscriptSink) *Mirror {
	offsetPath := filepath.Join(filepath.Dir(eventsPath), ".transcript_offset")
	return &Mirror{
		conversationID: conversationID,
		eventsPath:     eventsPath,
		offsets:        NewOffsetStoreAt(offsetPath),
		sink:           sink,
		pollEvery:      50 * time.Millisecond,
	}
}

// Run mirrors new events.jsonl lines into the transcript until ctx is
// cancelled, persisting the offset after each poll.
func (m *Mirror) Run(ctx context.Context) error {
	offset := m.offsets.Load()

	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next, err := m.poll(offset)
			if err != nil {
				log.Printf("tailer: mirror poll %s: %v", m.eventsPath, err)
				continue
			}
			if next != offset {
				offset = next
				if err := m.offsets.Save(offset); err != nil {
					log.Printf("tailer: persist mirror offset for %s: %v", m.eventsPath, err)
				}
			}
		}
	}
}

func (m *Mirror) poll(fromOffset int64) (int64, error) {
	f, err := os.Open(m.eventsPath)
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
		m.mirrorLine(line)
	}

	return fromOffset + int64(consumed), nil
}

// mirrorLine translates one agent_block_begin/delta/end row (spec §6's
// events.jsonl schema) into a role="agent_pty" transcript row, per
// original_source's _tail_agent_pty_events_to_transcript.
func (m *Mirror) mirrorLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	var evt map[string]interface{}
	if err := json.Unmarshal(line, &evt); err != nil {
		return
	}

	etype, _ := evt["type"].(string)
	switch etype {
	case "agent_block_begin", "agent_block_delta", "agent_block_end":
	default:
		return
	}

	blockID, _ := evt["block_id"].(string)
	row := router.TranscriptRow{
		"event":    etype,
		"block_id": blockID,
		"block":    evt["block"],
	}
	if etype == "agent_block_delta" {
		row["delta"] = evt["delta"]
	}

	itemID := blockID + ":" + etype
	if _, err := m.sink.Append(m.conversationID, itemID, "agent_pty", row); err != nil {
		log.Printf("tailer: mirror append for %s: %v", m.conversationID, err)
	}
}
