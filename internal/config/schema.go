// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads this module's own settings file (HJSON, parsed
// by round-tripping through an intermediate map and then through
// encoding/json into a typed struct): where conversations and the
// extension registry live, the resource caps, and the optional
// TLS/Tailscale settings for the Durable Tailer's fan-out listener. Of
// the caps, only RawRingBufferSize is passed on to internal/core; the
// spool read and waiter scan bounds in use are the constants in
// internal/spool and internal/waiter.
package config

// Config is the top-level settings document.
type Config struct {
	Version string `json:"version"`

	// BaseDir is the root under which conversations/<id>/ directories
	// are created (spec §6's persisted layout).
	BaseDir string `json:"baseDir"`

	// ManifestDir holds extensions.json and each extension's
	// manifest.json (spec §6).
	ManifestDir string `json:"manifestDir"`

	// ShellPath is the interactive shell each conversation's PTY Block
	// Engine attaches.
	ShellPath string `json:"shellPath"`

	WatchManifest bool `json:"watchManifest"`

	Caps   CapsConfig   `json:"caps"`
	Server ServerConfig `json:"server"`
}

// CapsConfig covers spec §5's resource caps.
type CapsConfig struct {
	// RawRingBufferSize is the debug ring buffer's entry capacity
	// (spec §5: default 200, FIFO drop on overflow).
	RawRingBufferSize int `json:"rawRingBufferSize"`

	// SpoolReadMaxBytes/SpoolReadHardCapBytes describe the bounds of a
	// single spool.Read request (spec §5: "Spool read max: 64 KiB
	// default, 512 KiB hard cap per request"). They are loaded,
	// defaulted and validated, but not applied: spool.Read uses
	// spool.DefaultReadMax and spool.MaxReadCap.
	SpoolReadMaxBytes     int `json:"spoolReadMaxBytes"`
	SpoolReadHardCapBytes int `json:"spoolReadHardCapBytes"`

	// WaiterScanWindowBytes describes how much of the spool a single
	// waiter scan cycle inspects (spec §5: "Waiter scan window: 1 MiB
	// per append cycle"). It is loaded, defaulted and validated, but not
	// applied: the waiter uses waiter.ScanWindow.
	WaiterScanWindowBytes int `json:"waiterScanWindowBytes"`
}

// ServerConfig covers the Durable Tailer's own fan-out listener (spec's
// out-of-scope note: "the HTTP/WebSocket server surface... beyond the
// fan-out listener the Durable Tailer itself owns").
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	TLS TLSConfig `json:"tls"`
}

// TLSConfig selects between Tailscale-issued certs and a static
// cert/key pair for the fan-out listener.
type TLSConfig struct {
	UseTailscale bool   `json:"useTailscale"`
	CertPath     string `json:"certPath"`
	KeyPath      string `json:"keyPath"`
}
