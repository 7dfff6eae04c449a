// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup"
)

// fakeSupervisor is a minimal shellsup.Supervisor double, mirroring the
// one internal/ptyengine uses in its own tests, so Core's tests don't
// have to spawn a real shell.
type fakeSupervisor struct{}

func (f *fakeSupervisor) SpawnPTY(ctx context.Context, argv []string, cwd, label string) (shellsup.ShellID, error) {
	return shellsup.ShellID("fake-" + label), nil
}
func (f *fakeSupervisor) SpawnPipe(ctx context.Context, argv []string, cwd string, env []string, label string) (shellsup.ShellID, error) {
	return shellsup.ShellID("fake-pipe-" + label), nil
}
func (f *fakeSupervisor) WriteToPTY(id shellsup.ShellID, b []byte) error { return nil }
func (f *fakeSupervisor) SubscribeOutput(id shellsup.ShellID) (<-chan []byte, func(), error) {
	ch := make(chan []byte)
	return ch, func() {}, nil
}
func (f *fakeSupervisor) GetPipeState(id shellsup.ShellID) (shellsup.PipeHandles, error) {
	return shellsup.PipeHandles{}, nil
}
func (f *fakeSupervisor) Terminate(id shellsup.ShellID, force bool) error { return nil }
func (f *fakeSupervisor) FindByLabel(label string, status shellsup.Status) (shellsup.ShellID, bool) {
	return "", false
}
func (f *fakeSupervisor) Resize(id shellsup.ShellID, cols, rows uint16) error { return nil }

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func seedManifestDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "extensions.json"), `{
		"extensions": [{"id": "gemini", "path": "gemini", "enabled": true}]
	}`)
	writeTestFile(t, filepath.Join(dir, "gemini", "manifest.json"), `{
		"id": "gemini", "name": "Gemini", "enabled": true, "path": "gemini",
		"type": "acp",
		"agent": {"command": "gemini-cli", "args": ["--acp"], "eagerSessionInit": false}
	}`)
	return dir
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c, err := New(Options{
		BaseDir:     t.TempDir(),
		ManifestDir: seedManifestDir(t),
		Supervisor:  &fakeSupervisor{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRawRingBufferFIFODrop(t *testing.T) {
	buf := NewRawRingBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Add(RawEntry{Line: string(rune('a' + i))})
	}
	snap := buf.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "c", snap[0].Line)
	require.Equal(t, "d", snap[1].Line)
	require.Equal(t, "e", snap[2].Line)
}

func TestRawRingBufferSnapshotBeforeFull(t *testing.T) {
	buf := NewRawRingBuffer(5)
	buf.Add(RawEntry{Line: "x"})
	buf.Add(RawEntry{Line: "y"})
	snap := buf.Snapshot()
	require.Equal(t, []string{"x", "y"}, []string{snap[0].Line, snap[1].Line})
}

func TestRawRingBufferDefaultsCapacity(t *testing.T) {
	buf := NewRawRingBuffer(0)
	require.Equal(t, defaultRingCapacity, buf.capacity)
}

func TestNewLoadsManifestAndRegistersExtensions(t *testing.T) {
	c := newTestCore(t)
	ext, ok := c.Manifest().Get("gemini")
	require.True(t, ok)
	require.Equal(t, "gemini-cli", ext.Agent.Command)
}

func TestNewRequiresBaseDir(t *testing.T) {
	_, err := New(Options{ManifestDir: seedManifestDir(t)})
	require.Error(t, err)
}

func TestCreateConversationWritesLayoutAndMeta(t *testing.T) {
	c := newTestCore(t)
	conv, err := c.CreateConversation(context.Background(), "", "/tmp")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	require.FileExists(t, filepath.Join(conv.Dir, "meta.json"))
	require.FileExists(t, filepath.Join(conv.Dir, "transcript.jsonl"))
	require.DirExists(t, filepath.Join(conv.Dir, "agent_pty"))

	got, ok := c.Conversation(conv.ID)
	require.True(t, ok)
	require.Same(t, conv, got)
}

func TestCreateConversationRejectsDuplicateID(t *testing.T) {
	c := newTestCore(t)
	_, err := c.CreateConversation(context.Background(), "dup", "/tmp")
	require.NoError(t, err)

	_, err = c.CreateConversation(context.Background(), "dup", "/tmp")
	require.Error(t, err)
}

func TestAttachExtensionUnknownConversation(t *testing.T) {
	c := newTestCore(t)
	err := c.AttachExtension(context.Background(), "nope", "gemini")
	require.Error(t, err)
}

func TestCloseConversationRemovesItAndErrorsOnSecondClose(t *testing.T) {
	c := newTestCore(t)
	conv, err := c.CreateConversation(context.Background(), "c1", "/tmp")
	require.NoError(t, err)

	require.NoError(t, c.CloseConversation(conv.ID))
	_, ok := c.Conversation(conv.ID)
	require.False(t, ok)

	err = c.CloseConversation(conv.ID)
	require.Error(t, err)
}
