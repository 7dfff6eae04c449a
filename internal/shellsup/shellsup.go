// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package shellsup defines the narrow contract the core consumes from
// a process manager, whether
// that manager spawns a PTY-attached interactive shell or a piped
// subprocess for an ACP agent. The interface is intentionally small —
// everything about block framing, spooling, and waiting lives above it
// in internal/ptyengine, internal/spool, and internal/waiter.
package shellsup

import "context"

// ShellID identifies one supervised process. Opaque to callers.
type ShellID string

// Status values returned by FindByLabel.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusAny     Status = ""
)

// PipeHandles exposes the raw stdin/stdout of a piped process, used by
// the ACP Client to frame JSON-RPC lines directly rather than through
// the PTY sentinel protocol.
type PipeHandles struct {
	Stdin  WriteCloser
	Stdout ReadCloser
}

// WriteCloser and ReadCloser avoid importing io just for two method sets
// in this package's public surface; concrete implementations satisfy
// io.WriteCloser / io.ReadCloser.
type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// Supervisor is the interface the core consumes. A default POSIX
// implementation lives in internal/shellsup/ptyexec.
type Supervisor interface {
	// SpawnPTY starts argv attached to a PTY under cwd, tagged with label.
	SpawnPTY(ctx context.Context, argv []string, cwd string, label string) (ShellID, error)

	// SpawnPipe starts argv with piped stdin/stdout under cwd with the
	// given environment, tagged with label.
	SpawnPipe(ctx context.Context, argv []string, cwd string, env []string, label string) (ShellID, error)

	// WriteToPTY is a best-effort write; it fails if the process has exited.
	WriteToPTY(id ShellID, b []byte) error

	// SubscribeOutput registers a channel that receives every subsequent
	// output chunk from id, in production order. Every subscriber sees
	// every chunk.
	SubscribeOutput(id ShellID) (<-chan []byte, func(), error)

	// GetPipeState returns the raw stdin/stdout handles for a piped process.
	GetPipeState(id ShellID) (PipeHandles, error)

	// Terminate sends SIGTERM, then SIGKILL if the process hasn't exited
	// within a grace period (or immediately, when force is set).
	Terminate(id ShellID, force bool) error

	// FindByLabel looks up a previously spawned shell by label, filtered
	// by status (StatusAny to match regardless of liveness). Supports
	// idempotent re-attach across restarts of the owning component.
	FindByLabel(label string, status Status) (ShellID, bool)

	// Resize adjusts a PTY's terminal dimensions. No-op for piped shells.
	Resize(id ShellID, cols, rows uint16) error
}
