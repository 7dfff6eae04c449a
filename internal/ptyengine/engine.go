// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ptyengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mrsurge/agent-log-server-sub000/internal/events"
	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup"
	"github.com/mrsurge/agent-log-server-sub000/internal/spool"
	"github.com/mrsurge/agent-log-server-sub000/internal/waiter"
)

// Errors surfaced as {ok:false, error} per spec §7's State-violation taxonomy.
var (
	ErrBusy           = errors.New("ptyengine: shell busy")
	ErrNotInteractive = errors.New("ptyengine: session is not interactive")
	ErrBeginTimeout   = errors.New("ptyengine: no BEGIN observed for exec")
	ErrClosed         = errors.New("ptyengine: engine closed")
)

// beginTimeout bounds how long Exec waits to observe the BEGIN marker it
// triggered (spec §4.D failure model).
const beginTimeout = 3 * time.Second

// markerPollInterval is how often the marker-file tail loop checks for
// newly appended sentinel lines.
const markerPollInterval = 15 * time.Millisecond

type engineState int

const (
	stateIdle engineState = iota
	stateAwaitingBegin
	stateRunning
	stateInteractive
)

// RawLineRecorder records a raw sentinel line this engine recognized by
// prefix but could not parse (spec §7 protocol violations), kept for
// post-hoc debugging instead of being discarded outright.
// core.RawRingBuffer implements this.
type RawLineRecorder interface {
	RecordRaw(conversationID, source, line string)
}

// Engine is the PTY Block Engine for one conversation. It owns the
// conversation's spool, waiter registry, block index, and lifecycle
// event log, and drives the bash rc sentinel protocol over a shell
// obtained from a shellsup.Supervisor.
type Engine struct {
	conversationID string
	dir            string // <base>/conversations/<id>/agent_pty
	sup            shellsup.Supervisor
	bus            events.EventBus
	ring           RawLineRecorder

	Spool   *spool.Spool
	Waiters *waiter.Registry

	mu           sync.Mutex
	shellID      shellsup.ShellID
	state        engineState
	current      *Block
	seq          uint64
	ready        bool
	closed       bool
	lastCwd      string
	beginWaiters map[uint64]chan Block
	blockFile    *os.File

	blocksJSONL *os.File
	eventsJSONL *os.File
	jsonlMu     sync.Mutex

	cancel context.CancelFunc
}

// New creates an Engine rooted at dir (a conversation's agent_pty
// directory). The caller starts the shell separately via Attach. ring
// may be nil; when set, sentinel lines recognized by prefix but not
// parseable are recorded there in addition to being logged.
func New(conversationID, dir string, sup shellsup.Supervisor, bus events.EventBus, ring RawLineRecorder) (*Engine, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blocks"), 0o755); err != nil {
		return nil, fmt.Errorf("ptyengine: mkdir: %w", err)
	}

	blocksF, err := os.OpenFile(filepath.Join(dir, "blocks.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ptyengine: open blocks.jsonl: %w", err)
	}
	eventsF, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		blocksF.Close()
		return nil, fmt.Errorf("ptyengine: open events.jsonl: %w", err)
	}

	sp, err := spool.Open(filepath.Join(dir, "output.spool"))
	if err != nil {
		blocksF.Close()
		eventsF.Close()
		return nil, fmt.Errorf("ptyengine: %w", err)
	}
	return &Engine{
		conversationID: conversationID,
		dir:            dir,
		sup:            sup,
		bus:            bus,
		ring:           ring,
		Spool:          sp,
		Waiters:        waiter.New(sp),
		beginWaiters:   make(map[uint64]chan Block),
		blocksJSONL:    blocksF,
		eventsJSONL:    eventsF,
	}, nil
}

// recordRaw logs an unparseable sentinel line to the debug ring buffer,
// if one is configured.
func (e *Engine) recordRaw(line string) {
	if e.ring != nil {
		e.ring.RecordRaw(e.conversationID, "pty", line)
	}
}

// RCPath is where the generated bash rc script is written (spec §3
// persisted layout: agent_pty/bashrc_agent_pty.sh).
func (e *Engine) RCPath() string {
	return filepath.Join(e.dir, "bashrc_agent_pty.sh")
}

// MarkerPath is the sentinel log the rc script's descriptor 3 appends
// to and the marker tail loop reads from.
func (e *Engine) MarkerPath() string {
	return filepath.Join(e.dir, markerFileName)
}

// Attach writes the rc script and either finds a previously spawned
// shell by label (idempotent re-attach) or spawns a fresh supervised
// bash, then starts the content ingest loop and the marker tail loop.
func (e *Engine) Attach(ctx context.Context, shellPath, cwd string) error {
	if err := os.WriteFile(e.RCPath(), []byte(GenerateRC(e.MarkerPath())), 0o644); err != nil {
		return fmt.Errorf("ptyengine: write rc: %w", err)
	}

	label := "agent_pty:" + e.conversationID

	var id shellsup.ShellID
	if existing, ok := e.sup.FindByLabel(label, shellsup.StatusRunning); ok {
		id = existing
	} else {
		argv := []string{shellPath, "--rcfile", e.RCPath(), "-i"}
		started, err := e.sup.SpawnPTY(ctx, argv, cwd, label)
		if err != nil {
			return fmt.Errorf("ptyengine: spawn: %w", err)
		}
		id = started
	}

	ch, _, err := e.sup.SubscribeOutput(id)
	if err != nil {
		return fmt.Errorf("ptyengine: subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.shellID = id
	e.lastCwd = cwd
	e.cancel = cancel
	e.mu.Unlock()

	go e.readLoop(runCtx, ch)
	go e.markerLoop(runCtx)
	return nil
}

func (e *Engine) readLoop(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				e.handleEOF()
				return
			}
			e.ingest(chunk)
		case <-ctx.Done():
			return
		}
	}
}

// ingest handles one PTY output chunk: every byte goes to the
// spool/waiter registry and to the active block. The PTY stream is pure
// content — sentinels arrive on the marker file, never here — so output
// that happens to contain a sentinel-shaped line can't disturb block
// framing.
func (e *Engine) ingest(chunk []byte) {
	e.Waiters.Append(chunk)

	e.mu.Lock()
	e.emitContentLocked(chunk)
	e.mu.Unlock()
}

// markerLoop tails the marker file the rc script's descriptor 3 appends
// to, dispatching each complete sentinel line. The counterpart of
// shell_manager's exec 3>>"$__FWS_MARKER_FILE": framing control flows
// over this side channel, not the PTY stream.
func (e *Engine) markerLoop(ctx context.Context) {
	var offset int64
	var partial []byte

	ticker := time.NewTicker(markerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, data, err := readMarkerBytes(e.MarkerPath(), offset)
			if err != nil {
				log.Printf("ptyengine[%s]: read markers: %v", e.conversationID, err)
				continue
			}
			offset = next

			data = append(partial, data...)
			partial = nil
			for {
				idx := bytes.IndexByte(data, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimSpace(string(data[:idx]))
				data = data[idx+1:]
				if line == "" {
					continue
				}
				e.handleMarkerLine(line)
			}
			if len(data) > 0 {
				partial = data
			}
		}
	}
}

// readMarkerBytes reads any bytes appended to path since fromOffset.
// The rc truncates the file on shell start, so a size below the offset
// resets the scan to the beginning.
func readMarkerBytes(path string, fromOffset int64) (int64, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fromOffset, nil, nil
		}
		return fromOffset, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fromOffset, nil, err
	}
	if info.Size() < fromOffset {
		fromOffset = 0
	}
	if info.Size() == fromOffset {
		return fromOffset, nil, nil
	}

	if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
		return fromOffset, nil, err
	}
	data := make([]byte, info.Size()-fromOffset)
	n, err := f.Read(data)
	if err != nil && n == 0 {
		return fromOffset, nil, err
	}
	return fromOffset + int64(n), data[:n], nil
}

// handleMarkerLine dispatches one complete sentinel line from the
// marker file. The line is also appended to the spool so prompt-type
// waiters can match it and cursors cover the full history; it never
// reaches block output files or delta events.
func (e *Engine) handleMarkerLine(line string) {
	e.Waiters.Append([]byte(line + "\n"))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	switch {
	case isReadyLine(line):
		e.ready = true
	case strings.HasPrefix(line, SentinelBegin):
		if b, ok := parseBegin(line); ok {
			e.handleBeginLocked(b)
		} else {
			log.Printf("ptyengine[%s]: malformed BEGIN sentinel, dropped", e.conversationID)
			e.recordRaw(line)
		}
	case strings.HasPrefix(line, SentinelEnd):
		if m, ok := parseEnd(line); ok {
			e.handleEndLocked(m)
		} else {
			log.Printf("ptyengine[%s]: malformed END sentinel, dropped", e.conversationID)
			e.recordRaw(line)
		}
	case strings.HasPrefix(line, SentinelPrompt):
		if m, ok := parsePrompt(line); ok {
			e.handlePromptLocked(m)
		} else {
			log.Printf("ptyengine[%s]: malformed PROMPT sentinel, dropped", e.conversationID)
			e.recordRaw(line)
		}
	default:
		log.Printf("ptyengine[%s]: unrecognized marker line, dropped", e.conversationID)
		e.recordRaw(line)
	}
}

func (e *Engine) handleBeginLocked(m beginMarker) {
	if !e.ready {
		return // suppressed until readiness, per spec §4.D
	}
	id := blockID(e.conversationID, m.seq, m.ts)
	outPath := filepath.Join("blocks", fmt.Sprintf("%d_%d.out", m.seq, m.ts))

	b := Block{
		BlockID:    id,
		Seq:        m.seq,
		TsBegin:    m.ts,
		Cwd:        m.cwd,
		Cmd:        m.cmd,
		Status:     StatusRunning,
		OutputPath: outPath,
	}

	f, err := os.Create(filepath.Join(e.dir, outPath))
	if err == nil {
		e.blockFile = f
	}

	e.current = &b
	e.state = stateRunning
	e.lastCwd = m.cwd

	if waitCh, ok := e.beginWaiters[m.seq]; ok {
		delete(e.beginWaiters, m.seq)
		select {
		case waitCh <- b:
		default:
		}
	}

	e.publishLocked(events.TypeAgentBlockBegin, map[string]interface{}{
		"block_id": id, "seq": m.seq, "cwd": m.cwd, "cmd": m.cmd,
	})
	e.appendEventsJSONL(map[string]interface{}{
		"type": events.TypeAgentBlockBegin, "conversation_id": e.conversationID,
		"block_id": id, "block": b,
	})
}

func (e *Engine) handleEndLocked(m endMarker) {
	if e.current == nil || e.current.Seq != m.seq {
		return // ignore: spec §4.D, "END with seq mismatching active block"
	}

	ts := m.ts
	e.current.TsEnd = &ts
	e.current.ExitCode = m.exit
	if e.current.Status != StatusInteractive {
		e.current.Status = StatusCompleted
	}

	e.finishBlockLocked()
}

func (e *Engine) handlePromptLocked(m promptMarker) {
	if m.cwd != "" {
		e.lastCwd = m.cwd
	}
	if e.state == stateInteractive && e.current != nil {
		ts := m.ts
		e.current.TsEnd = &ts
		e.current.ExitCode = m.exit
		e.current.Status = StatusCompleted
		e.finishBlockLocked()
	}
}

// finishBlockLocked closes the per-block output file, indexes the block
// (one line in blocks.jsonl), emits agent_block_end, and returns the
// engine to idle.
func (e *Engine) finishBlockLocked() {
	if e.blockFile != nil {
		e.blockFile.Close()
		e.blockFile = nil
	}

	b := *e.current
	e.appendBlockJSONL(b)

	e.publishLocked(events.TypeAgentBlockEnd, map[string]interface{}{
		"block_id": b.BlockID, "seq": b.Seq, "exit_code": b.ExitCode,
	})
	e.appendEventsJSONL(map[string]interface{}{
		"type": events.TypeAgentBlockEnd, "conversation_id": e.conversationID,
		"block_id": b.BlockID, "block": b,
	})

	e.current = nil
	e.state = stateIdle
}

// emitContentLocked writes non-sentinel bytes to the active block's
// output file (if any) and emits an agent_block_delta event.
func (e *Engine) emitContentLocked(b []byte) {
	if e.blockFile != nil {
		e.blockFile.Write(b)
	}
	if e.current == nil {
		return
	}
	e.publishLocked(events.TypeAgentBlockDelta, map[string]interface{}{
		"block_id": e.current.BlockID, "delta": string(b),
	})
	e.appendEventsJSONL(map[string]interface{}{
		"type": events.TypeAgentBlockDelta, "conversation_id": e.conversationID,
		"block_id": e.current.BlockID, "delta": string(b),
	})
}

func (e *Engine) publishLocked(typ string, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(context.Background(), events.Event{
		Type:           typ,
		Timestamp:      time.Now(),
		ConversationID: e.conversationID,
		Payload:        payload,
	})
}

func (e *Engine) appendBlockJSONL(b Block) {
	e.jsonlMu.Lock()
	defer e.jsonlMu.Unlock()
	line, err := json.Marshal(b)
	if err != nil {
		return
	}
	e.blocksJSONL.Write(append(line, '\n'))
}

func (e *Engine) appendEventsJSONL(v interface{}) {
	e.jsonlMu.Lock()
	defer e.jsonlMu.Unlock()
	line, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.eventsJSONL.Write(append(line, '\n'))
}

// handleEOF marks any active block completed with a null exit code and
// closes the engine (spec §4.D failure model: "Shell EOF").
func (e *Engine) handleEOF() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		e.current.Status = StatusCompleted
		e.current.ExitCode = nil
		e.finishBlockLocked()
	}
	e.closed = true
	e.state = stateIdle
}

// Exec submits one command as a single block (spec §4.D Block mode). It
// blocks until the BEGIN marker is observed (or beginTimeout elapses)
// and returns the running block's metadata.
func (e *Engine) Exec(ctx context.Context, cmd, cwd string) (Block, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Block{}, ErrClosed
	}
	if e.state != stateIdle {
		e.mu.Unlock()
		return Block{}, ErrBusy
	}
	e.seq++
	seq := e.seq
	if cwd == "" {
		cwd = e.lastCwd
	}
	e.state = stateAwaitingBegin
	ch := make(chan Block, 1)
	e.beginWaiters[seq] = ch
	shellID := e.shellID
	e.mu.Unlock()

	cmdB64 := base64.StdEncoding.EncodeToString([]byte(cmd))
	cwdB64 := base64.StdEncoding.EncodeToString([]byte(cwd))
	line := WrapBlockCommand(cmdB64, cwdB64, seq)

	if err := e.sup.WriteToPTY(shellID, []byte(line)); err != nil {
		e.mu.Lock()
		delete(e.beginWaiters, seq)
		e.state = stateIdle
		e.mu.Unlock()
		return Block{}, fmt.Errorf("ptyengine: write: %w", err)
	}

	select {
	case b := <-ch:
		return b, nil
	case <-time.After(beginTimeout):
		e.mu.Lock()
		delete(e.beginWaiters, seq)
		if e.state == stateAwaitingBegin {
			e.state = stateIdle
		}
		e.mu.Unlock()
		return Block{}, ErrBeginTimeout
	case <-ctx.Done():
		return Block{}, ctx.Err()
	}
}

// ExecInteractive starts a long-lived interactive submission (spec
// §4.D Interactive mode): the command is written raw (no block
// wrapping) and a synthetic block is created immediately so output
// streams under a block id right away.
func (e *Engine) ExecInteractive(cmd string) (Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Block{}, ErrClosed
	}
	if e.state != stateIdle {
		return Block{}, ErrBusy
	}

	e.seq++
	ts := time.Now().UnixMilli()
	id := blockID(e.conversationID, e.seq, ts)
	outPath := filepath.Join("blocks", fmt.Sprintf("%d_%d.out", e.seq, ts))

	b := Block{
		BlockID:    id,
		Seq:        e.seq,
		TsBegin:    ts,
		Cwd:        e.lastCwd,
		Cmd:        cmd,
		Status:     StatusInteractive,
		OutputPath: outPath,
	}

	f, err := os.Create(filepath.Join(e.dir, outPath))
	if err == nil {
		e.blockFile = f
	}

	e.current = &b
	e.state = stateInteractive

	if err := e.sup.WriteToPTY(e.shellID, []byte(cmd+"\n")); err != nil {
		e.current = nil
		e.state = stateIdle
		if e.blockFile != nil {
			e.blockFile.Close()
			e.blockFile = nil
		}
		return Block{}, fmt.Errorf("ptyengine: write: %w", err)
	}

	e.publishLocked(events.TypeAgentBlockBegin, map[string]interface{}{
		"block_id": id, "seq": b.Seq, "cwd": b.Cwd, "cmd": cmd,
	})
	e.appendEventsJSONL(map[string]interface{}{
		"type": events.TypeAgentBlockBegin, "conversation_id": e.conversationID,
		"block_id": id, "block": b,
	})

	return b, nil
}

// Send writes raw bytes to an interactive session's stdin (e.g. REPL
// input). It is a no-op error outside interactive mode.
func (e *Engine) Send(b []byte) error {
	e.mu.Lock()
	if e.state != stateInteractive {
		e.mu.Unlock()
		return ErrNotInteractive
	}
	shellID := e.shellID
	e.mu.Unlock()
	return e.sup.WriteToPTY(shellID, b)
}

// EndSession terminates the active interactive block by sending ETX
// (Ctrl-C) and finalizing the synthetic block immediately (spec §4.D:
// "the block terminates when either end_session is invoked ... or a
// __FWS_PROMPT__ sentinel is seen").
func (e *Engine) EndSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateInteractive {
		return ErrNotInteractive
	}

	e.sup.WriteToPTY(e.shellID, []byte{0x03})

	if e.current != nil {
		ts := time.Now().UnixMilli()
		e.current.TsEnd = &ts
		e.current.Status = StatusCompleted
		e.finishBlockLocked()
	} else {
		e.state = stateIdle
	}
	return nil
}

// Busy reports whether the engine is mid-block or mid-interactive-session.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != stateIdle
}

// Close cancels the ingest and marker loops and closes JSONL file
// handles. The underlying shell is left running (shared shells outlive
// sessions).
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	e.blocksJSONL.Close()
	e.eventsJSONL.Close()
	e.Spool.Close()
	return nil
}
