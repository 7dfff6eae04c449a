// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mrsurge/agent-log-server-sub000/internal/ptyengine"
	"github.com/mrsurge/agent-log-server-sub000/internal/router"
	"github.com/mrsurge/agent-log-server-sub000/internal/tailer"
)

// Meta is the persisted per-conversation header (spec §6: meta.json —
// "{conversation_id, created_at, thread_id?, settings, status}").
type Meta struct {
	ConversationID string                 `json:"conversation_id"`
	CreatedAt      time.Time              `json:"created_at"`
	ThreadID       string                 `json:"thread_id,omitempty"`
	Settings       map[string]interface{} `json:"settings,omitempty"`
	Status         string                 `json:"status"`
}

// Conversation is one logical conversation's live state: its PTY Block
// Engine, its Event Router + transcript, and (once attached) which
// extension it's paired with. A conversation's state mutations are
// serialized by the Engine's and Router's own locks (spec §5:
// "per-conversation mutex around all spool/state-machine
// transitions") — Conversation itself adds no
// additional lock, since Engine and Router each already serialize their
// own state.
type Conversation struct {
	ID          string
	Dir         string
	CWD         string
	ExtensionID string // "" until an ACP extension is attached

	Engine     *ptyengine.Engine
	Router     *router.Router
	Transcript *router.TranscriptStore

	metaPath     string
	createdAt    time.Time
	mirrorCancel context.CancelFunc
}

func conversationDir(baseDir, id string) string {
	return filepath.Join(baseDir, "conversations", id)
}

// newConversation creates the on-disk layout for a fresh conversation
// (spec §6's persisted layout) and wires its Engine/Router/transcript,
// registering both JSONL files with the tailer Registry so WebSocket
// subscribers can follow along from byte zero.
func newConversation(c *Core, id, cwd string) (*Conversation, error) {
	dir := conversationDir(c.baseDir, id)
	agentPTYDir := filepath.Join(dir, "agent_pty")
	if err := os.MkdirAll(agentPTYDir, 0o755); err != nil {
		return nil, fmt.Errorf("core: mkdir conversation dir: %w", err)
	}

	transcriptPath := filepath.Join(dir, "transcript.jsonl")
	transcript, err := router.OpenTranscriptStore(transcriptPath)
	if err != nil {
		return nil, fmt.Errorf("core: open transcript store: %w", err)
	}

	engine, err := ptyengine.New(id, agentPTYDir, c.sup, c.bus, c.ring)
	if err != nil {
		transcript.Close()
		return nil, fmt.Errorf("core: new ptyengine: %w", err)
	}

	conv := &Conversation{
		ID:         id,
		Dir:        dir,
		CWD:        cwd,
		Engine:     engine,
		Router:     router.New(id, c.bus, transcript),
		Transcript: transcript,
		metaPath:   filepath.Join(dir, "meta.json"),
		createdAt:  time.Now(),
	}

	// Persisted as "draft" until an ACP session actually exists (spec §3:
	// "status transitions draft → active once a backing agent session
	// exists"); markActive flips it once acp.Multiplexer.InitSession
	// succeeds (see Core.AttachExtension).
	if err := conv.writeMeta("draft"); err != nil {
		return nil, err
	}

	c.tailers.Watch(c.ctx, id, "transcript.jsonl", transcriptPath, tailer.TranscriptTranslator)
	eventsPath := filepath.Join(agentPTYDir, "events.jsonl")
	c.tailers.Watch(c.ctx, id, "agent_pty/events.jsonl", eventsPath, tailer.PTYEventTranslator)

	// Mirrors agent_pty/events.jsonl's block lifecycle into transcript.jsonl
	// as role="agent_pty" rows, tracking its own progress in the spec's
	// literal agent_pty/.transcript_offset file (spec §3/§6) — distinct
	// from the generic websocket fan-out offsets Registry.Watch keeps.
	mirrorCtx, mirrorCancel := context.WithCancel(c.ctx)
	mirror := tailer.NewMirror(id, eventsPath, transcript)
	go mirror.Run(mirrorCtx)
	conv.mirrorCancel = mirrorCancel

	return conv, nil
}

// markActive flips the persisted status from "draft" to "active" once a
// backing agent session exists (spec §3 lifecycle), preserving the
// original created_at.
func (conv *Conversation) markActive() error {
	return conv.writeMeta("active")
}

func (conv *Conversation) writeMeta(status string) error {
	meta := Meta{
		ConversationID: conv.ID,
		CreatedAt:      conv.createdAt,
		Status:         status,
	}
	tmp := conv.metaPath + ".tmp"
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("core: marshal meta.json: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("core: write meta.json: %w", err)
	}
	if err := os.Rename(tmp, conv.metaPath); err != nil {
		return fmt.Errorf("core: rename meta.json: %w", err)
	}
	return nil
}

func (conv *Conversation) close() error {
	if conv.mirrorCancel != nil {
		conv.mirrorCancel()
	}
	conv.Engine.Close()
	return conv.Transcript.Close()
}
