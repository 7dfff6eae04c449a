// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesHJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent-log-server.hjson")
	require.NoError(t, os.WriteFile(path, []byte(`{
		version: "1"
		baseDir: /var/lib/agent-log-server
		manifestDir: /etc/agent-log-server/extensions
		caps: {
			rawRingBufferSize: 50
		}
	}`), 0o644))

	l := NewLoader()
	cfg, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "1", cfg.Version)
	require.Equal(t, "/var/lib/agent-log-server", cfg.BaseDir)
	require.Equal(t, 50, cfg.Caps.RawRingBufferSize)
}

func TestLoadWithDefaultsFillsInMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent-log-server.hjson")
	require.NoError(t, os.WriteFile(path, []byte(`{
		baseDir: /data
		manifestDir: /data/extensions
	}`), 0o644))

	l := NewLoader()
	cfg, err := l.LoadWithDefaults(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, "/bin/bash", cfg.ShellPath)
	require.Equal(t, 200, cfg.Caps.RawRingBufferSize)
	require.Equal(t, 64*1024, cfg.Caps.SpoolReadMaxBytes)
	require.Equal(t, 512*1024, cfg.Caps.SpoolReadHardCapBytes)
	require.Equal(t, 1024*1024, cfg.Caps.WaiterScanWindowBytes)
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, 8420, cfg.Server.Port)
}

func TestLoadMissingFileErrors(t *testing.T) {
	l := NewLoader()
	_, err := l.Load(context.Background(), "/nonexistent/agent-log-server.hjson")
	require.Error(t, err)
}

func TestFindConfigPrefersHJSON(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(cwd)
	require.NoError(t, os.Chdir(dir))

	require.NoError(t, os.WriteFile("agent-log-server.hjson", []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile("agent-log-server.json", []byte("{}"), 0o644))

	l := NewLoader()
	path, err := l.FindConfig()
	require.NoError(t, err)
	require.Contains(t, path, "agent-log-server.hjson")
}

func TestFindConfigErrorsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(cwd)
	require.NoError(t, os.Chdir(dir))

	l := NewLoader()
	_, err = l.FindConfig()
	require.Error(t, err)
}
