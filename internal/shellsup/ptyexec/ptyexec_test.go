// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ptyexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup"
)

func TestManager_SpawnPTY_EchoesOutput(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	id, err := m.SpawnPTY(ctx, []string{"/bin/sh", "-c", "echo hello-pty"}, "/tmp", "test-echo")
	require.NoError(t, err)

	ch, cancel, err := m.SubscribeOutput(id)
	require.NoError(t, err)
	defer cancel()

	var collected strings.Builder
	timeout := time.After(3 * time.Second)
loop:
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				break loop
			}
			collected.Write(chunk)
		case <-timeout:
			t.Fatal("timeout waiting for pty output")
		}
	}

	assert.Contains(t, collected.String(), "hello-pty")
}

func TestManager_SpawnPipe_WriteAndRead(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	id, err := m.SpawnPipe(ctx, []string{"/bin/cat"}, "/tmp", nil, "test-cat")
	require.NoError(t, err)

	ch, cancel, err := m.SubscribeOutput(id)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.WriteToPTY(id, []byte("roundtrip\n")))

	select {
	case chunk := <-ch:
		assert.Contains(t, string(chunk), "roundtrip")
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for pipe echo")
	}

	require.NoError(t, m.Terminate(id, true))
}

func TestManager_FindByLabel(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	_, err := m.SpawnPipe(ctx, []string{"/bin/cat"}, "/tmp", nil, "labeled-shell")
	require.NoError(t, err)

	id, ok := m.FindByLabel("labeled-shell", shellsup.StatusAny)
	assert.True(t, ok)
	assert.NotEmpty(t, id)

	_, ok = m.FindByLabel("no-such-label", shellsup.StatusAny)
	assert.False(t, ok)
}

func TestManager_WriteToExitedProcessFails(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	id, err := m.SpawnPipe(ctx, []string{"/bin/sh", "-c", "exit 0"}, "/tmp", nil, "short-lived")
	require.NoError(t, err)

	// Give the process time to exit and be reaped.
	assert.Eventually(t, func() bool {
		_, ok := m.FindByLabel("short-lived", shellsup.StatusExited)
		return ok
	}, 3*time.Second, 50*time.Millisecond)

	err = m.WriteToPTY(id, []byte("too late"))
	assert.ErrorIs(t, err, ErrExited)
}

func TestManager_UnknownShellID(t *testing.T) {
	m := NewManager()

	err := m.WriteToPTY("bogus", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = m.SubscribeOutput("bogus")
	assert.ErrorIs(t, err, ErrNotFound)
}
