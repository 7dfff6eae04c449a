// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mrsurge/agent-log-server-sub000/internal/acp"
	"github.com/mrsurge/agent-log-server-sub000/internal/events"
	"github.com/mrsurge/agent-log-server-sub000/internal/manifest"
	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup"
	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup/ptyexec"
	"github.com/mrsurge/agent-log-server-sub000/internal/tailer"
)

// Options configures a Core at construction time.
type Options struct {
	// BaseDir is the root under which conversations/<id>/ directories live.
	BaseDir string
	// ManifestDir holds extensions.json and per-extension manifest.json.
	ManifestDir string
	// RawRingCapacity overrides the debug ring buffer size (default 200).
	RawRingCapacity int
	// ShellPath is the interactive shell Conversations attach (default /bin/bash).
	ShellPath string
	// WatchManifest enables fsnotify-driven hot reload of the extension registry.
	WatchManifest bool
	// Supervisor overrides the default POSIX shellsup.Supervisor, mainly
	// for tests that substitute a fake process manager.
	Supervisor shellsup.Supervisor
}

// Core is the single non-global value that wires the Shell Supervisor,
// extension registry, ACP Multiplexer, Event Router, and Durable Tailer
// together, replacing the process-wide mutable maps (`_manager`,
// `_shared_shells`, `_ready_events`, `_states`) the original
// implementation kept at module scope (spec §9 Design Notes).
type Core struct {
	baseDir   string
	shellPath string

	bus         events.EventBus
	sup         shellsup.Supervisor
	manifest    *manifest.Registry
	watcher     *manifest.Watcher
	multiplexer *acp.Multiplexer
	tailers     *tailer.Registry
	ring        *RawRingBuffer

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// New constructs a Core. It loads the extension registry from
// opts.ManifestDir but does not warm up any extensions — call Start
// for that.
func New(opts Options) (*Core, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("core: BaseDir is required")
	}
	if opts.ShellPath == "" {
		opts.ShellPath = "/bin/bash"
	}

	reg, err := manifest.Load(opts.ManifestDir)
	if err != nil {
		if _, ok := err.(*manifest.ValidationError); ok {
			log.Printf("core: manifest load warnings: %v", err)
		} else {
			return nil, fmt.Errorf("core: load manifest: %w", err)
		}
	}

	bus := events.NewMemoryEventBus(events.MemoryBusConfig{})
	sup := opts.Supervisor
	if sup == nil {
		sup = ptyexec.NewManager()
	}
	ring := NewRawRingBuffer(opts.RawRingCapacity)
	mux := acp.NewMultiplexer(sup, bus, ring)

	ctx, cancel := context.WithCancel(context.Background())

	c := &Core{
		baseDir:       opts.BaseDir,
		shellPath:     opts.ShellPath,
		bus:           bus,
		sup:           sup,
		manifest:      reg,
		multiplexer:   mux,
		tailers:       tailer.NewRegistry(),
		ring:          ring,
		ctx:           ctx,
		cancel:        cancel,
		conversations: make(map[string]*Conversation),
	}

	for _, ext := range reg.List() {
		mux.RegisterExtension(acp.Extension{
			ID:               ext.ID,
			Command:          ext.Agent.Command,
			Args:             ext.Agent.Args,
			Env:              envSlice(ext.Agent.Env),
			Shellspec:        ext.Agent.Shellspec,
			EagerSessionInit: ext.Agent.EagerSessionInit,
		})
	}

	if opts.WatchManifest {
		w, err := manifest.NewWatcher(opts.ManifestDir, reg, func(err error) {
			if err != nil {
				log.Printf("core: manifest reload: %v", err)
			}
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("core: start manifest watcher: %w", err)
		}
		c.watcher = w
	}

	return c, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Start warms up every extension flagged eagerSessionInit, concurrently,
// propagating the first failure (spec's "one OS process per extension
// kind" paid once at startup rather than on first use).
func (c *Core) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ext := range c.manifest.List() {
		if !ext.Agent.EagerSessionInit {
			continue
		}
		extensionID := ext.ID
		g.Go(func() error {
			if err := c.multiplexer.WarmUp(gctx, extensionID); err != nil {
				return fmt.Errorf("warm up %s: %w", extensionID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// EventBus exposes the shared bus, used by HTTP/UI surfaces external to
// this module to subscribe to normalized events directly in-process.
func (c *Core) EventBus() events.EventBus { return c.bus }

// Tailers exposes the Durable Tailer registry so an external HTTP
// server can mount its WebSocket routes.
func (c *Core) Tailers() *tailer.Registry { return c.tailers }

// Manifest exposes the live extension registry.
func (c *Core) Manifest() *manifest.Registry { return c.manifest }

// RawRing exposes the debug ring buffer.
func (c *Core) RawRing() *RawRingBuffer { return c.ring }

// CreateConversation provisions a fresh conversation rooted at cwd,
// generating an id via uuid when id is empty.
func (c *Core) CreateConversation(ctx context.Context, id, cwd string) (*Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}

	c.mu.Lock()
	if _, exists := c.conversations[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("core: conversation %s already exists", id)
	}
	c.mu.Unlock()

	conv, err := newConversation(c, id, cwd)
	if err != nil {
		return nil, err
	}
	if err := conv.Engine.Attach(ctx, c.shellPath, cwd); err != nil {
		conv.close()
		return nil, fmt.Errorf("core: attach shell: %w", err)
	}

	c.mu.Lock()
	c.conversations[id] = conv
	c.mu.Unlock()

	return conv, nil
}

// Conversation returns the live state for id, if any.
func (c *Core) Conversation(id string) (*Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[id]
	return conv, ok
}

// AttachExtension binds conversationID to an ACP session against
// extensionID, resolving cwd from the conversation's own state (spec
// §4.F's init_session).
func (c *Core) AttachExtension(ctx context.Context, conversationID, extensionID string) error {
	conv, ok := c.Conversation(conversationID)
	if !ok {
		return fmt.Errorf("core: conversation %s not found", conversationID)
	}
	if _, err := c.multiplexer.InitSession(ctx, conversationID, extensionID, conv.CWD, c.bus, conv.Transcript, conv.markActive); err != nil {
		return fmt.Errorf("core: init session: %w", err)
	}

	c.mu.Lock()
	conv.ExtensionID = extensionID
	c.mu.Unlock()
	return nil
}

// Prompt sends text to conversationID's attached ACP session.
func (c *Core) Prompt(ctx context.Context, conversationID, text string) error {
	return c.multiplexer.SendPrompt(ctx, conversationID, text)
}

// CancelPrompt cancels conversationID's in-flight turn, if any.
func (c *Core) CancelPrompt(conversationID string) error {
	return c.multiplexer.CancelPrompt(conversationID)
}

// CloseConversation tears down a conversation's Engine, transcript, and
// tailer watches. Shared ACP shells are left running (spec §3: "shared
// shells outlive individual sessions").
func (c *Core) CloseConversation(conversationID string) error {
	c.mu.Lock()
	conv, ok := c.conversations[conversationID]
	delete(c.conversations, conversationID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("core: conversation %s not found", conversationID)
	}

	c.tailers.Stop(conversationID, "transcript.jsonl")
	c.tailers.Stop(conversationID, "agent_pty/events.jsonl")

	return conv.close()
}

// Close shuts down the Core: the manifest watcher, every live
// conversation, and cancels the background context shared by tailers.
func (c *Core) Close() error {
	if c.watcher != nil {
		c.watcher.Close()
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.conversations))
	for id := range c.conversations {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.CloseConversation(id); err != nil {
			log.Printf("core: close conversation %s: %v", id, err)
		}
	}

	c.cancel()
	return nil
}
