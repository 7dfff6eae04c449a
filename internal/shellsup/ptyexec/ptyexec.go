// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ptyexec is the default POSIX implementation of
// internal/shellsup.Supervisor: it spawns PTY-attached shells with
// creack/pty and piped subprocesses with os/exec, fans output out to
// subscribers, and signals whole process groups on terminate.
package ptyexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	gops "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup"
)

// ErrNotFound is returned for operations on an unknown shell id.
var ErrNotFound = errors.New("ptyexec: shell not found")

// ErrExited is returned when writing to an already-exited process.
var ErrExited = errors.New("ptyexec: process has exited")

const chunkBufSize = 4096

type shell struct {
	id    shellsup.ShellID
	label string
	cmd   *exec.Cmd
	pty   bool

	ptmx *os.File // set when pty==true

	stdin  io.WriteCloser // set when pty==false
	stdout io.ReadCloser  // set when pty==false

	mu      sync.Mutex
	subs    map[int]chan []byte
	nextSub int
	exited  atomic.Bool
}

// Manager implements shellsup.Supervisor.
type Manager struct {
	mu      sync.RWMutex
	shells  map[shellsup.ShellID]*shell
	nextID  uint64
	idStamp string
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		shells: make(map[shellsup.ShellID]*shell),
	}
}

func (m *Manager) allocID() shellsup.ShellID {
	n := atomic.AddUint64(&m.nextID, 1)
	return shellsup.ShellID(fmt.Sprintf("shell-%d", n))
}

// SpawnPTY starts argv attached to a PTY under cwd.
func (m *Manager) SpawnPTY(ctx context.Context, argv []string, cwd string, label string) (shellsup.ShellID, error) {
	if len(argv) == 0 {
		return "", errors.New("ptyexec: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("ptyexec: start pty: %w", err)
	}

	id := m.allocID()
	sh := &shell{
		id:    id,
		label: label,
		cmd:   cmd,
		pty:   true,
		ptmx:  ptmx,
		subs:  make(map[int]chan []byte),
	}

	m.mu.Lock()
	m.shells[id] = sh
	m.mu.Unlock()

	go sh.pumpPTY()
	go sh.reap()

	return id, nil
}

// SpawnPipe starts argv with piped stdin/stdout under cwd with env.
func (m *Manager) SpawnPipe(ctx context.Context, argv []string, cwd string, env []string, label string) (shellsup.ShellID, error) {
	if len(argv) == 0 {
		return "", errors.New("ptyexec: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("ptyexec: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("ptyexec: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("ptyexec: start pipe process: %w", err)
	}

	id := m.allocID()
	sh := &shell{
		id:     id,
		label:  label,
		cmd:    cmd,
		pty:    false,
		stdin:  stdin,
		stdout: stdout,
		subs:   make(map[int]chan []byte),
	}

	m.mu.Lock()
	m.shells[id] = sh
	m.mu.Unlock()

	go sh.pumpPipe()
	go sh.reap()

	return id, nil
}

func (sh *shell) pumpPTY() {
	sh.pump(sh.ptmx)
}

func (sh *shell) pumpPipe() {
	sh.pump(sh.stdout)
}

func (sh *shell) pump(r io.Reader) {
	buf := make([]byte, chunkBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sh.broadcast(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (sh *shell) broadcast(chunk []byte) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, ch := range sh.subs {
		select {
		case ch <- chunk:
		default:
			log.Printf("ptyexec: dropped chunk for shell %s - subscriber buffer full", sh.id)
		}
	}
}

func (sh *shell) reap() {
	sh.cmd.Wait()
	sh.exited.Store(true)

	sh.mu.Lock()
	for _, ch := range sh.subs {
		close(ch)
	}
	sh.subs = make(map[int]chan []byte)
	sh.mu.Unlock()
}

// WriteToPTY is a best-effort write to a shell's stdin (PTY or piped).
func (m *Manager) WriteToPTY(id shellsup.ShellID, b []byte) error {
	sh, err := m.get(id)
	if err != nil {
		return err
	}
	if sh.exited.Load() {
		return ErrExited
	}
	if sh.pty {
		_, err = sh.ptmx.Write(b)
	} else {
		_, err = sh.stdin.Write(b)
	}
	return err
}

// SubscribeOutput registers a new output channel for id.
func (m *Manager) SubscribeOutput(id shellsup.ShellID) (<-chan []byte, func(), error) {
	sh, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}

	sh.mu.Lock()
	subID := sh.nextSub
	sh.nextSub++
	ch := make(chan []byte, 256)
	sh.subs[subID] = ch
	sh.mu.Unlock()

	cancel := func() {
		sh.mu.Lock()
		if c, ok := sh.subs[subID]; ok {
			delete(sh.subs, subID)
			close(c)
		}
		sh.mu.Unlock()
	}

	return ch, cancel, nil
}

// GetPipeState returns the raw stdin/stdout handles for a piped process.
func (m *Manager) GetPipeState(id shellsup.ShellID) (shellsup.PipeHandles, error) {
	sh, err := m.get(id)
	if err != nil {
		return shellsup.PipeHandles{}, err
	}
	if sh.pty {
		return shellsup.PipeHandles{}, errors.New("ptyexec: shell is pty-attached, not piped")
	}
	return shellsup.PipeHandles{Stdin: sh.stdin, Stdout: sh.stdout}, nil
}

// Terminate signals the shell's process group: SIGTERM, then SIGKILL
// after a grace period (or immediately when force is set).
func (m *Manager) Terminate(id shellsup.ShellID, force bool) error {
	sh, err := m.get(id)
	if err != nil {
		return err
	}
	if sh.exited.Load() {
		return nil
	}

	pgid := sh.cmd.Process.Pid
	if force {
		return unix.Kill(-pgid, unix.SIGKILL)
	}

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		return err
	}

	go func() {
		deadline := time.After(3 * time.Second)
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-deadline:
				unix.Kill(-pgid, unix.SIGKILL)
				return
			case <-tick.C:
				if sh.exited.Load() {
					return
				}
			}
		}
	}()

	return nil
}

// FindByLabel looks up a shell by label, optionally filtered by status.
// Only shells spawned by this Manager are searched. A StatusRunning
// filter is cross-checked against the OS process table, not just the
// in-process exited flag.
func (m *Manager) FindByLabel(label string, status shellsup.Status) (shellsup.ShellID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, sh := range m.shells {
		if sh.label != label {
			continue
		}
		switch status {
		case shellsup.StatusAny:
			return id, true
		case shellsup.StatusRunning:
			if !sh.exited.Load() && processAlive(sh.cmd.Process.Pid) {
				return id, true
			}
		case shellsup.StatusExited:
			if sh.exited.Load() {
				return id, true
			}
		}
	}
	return "", false
}

// Resize adjusts a PTY's terminal dimensions; a no-op for piped shells.
func (m *Manager) Resize(id shellsup.ShellID, cols, rows uint16) error {
	sh, err := m.get(id)
	if err != nil {
		return err
	}
	if !sh.pty {
		return nil
	}
	return pty.Setsize(sh.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (m *Manager) get(id shellsup.ShellID) (*shell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sh, ok := m.shells[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sh, nil
}

// processAlive reports whether pid is present in the OS process table.
func processAlive(pid int) bool {
	proc, err := gops.FindProcess(pid)
	return err == nil && proc != nil
}
