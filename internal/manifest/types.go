// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package manifest loads and hot-reloads the extension registry: an
// index file (extensions.json) naming which extension directories are
// enabled, each holding its own manifest.json (the ACP Extension's
// static configuration, spec §3/§6) and an optional shellspec YAML file.
package manifest

// AgentConfig is the launch configuration for an extension's agent
// process.
type AgentConfig struct {
	Command          string            `json:"command"`
	Args             []string          `json:"args"`
	Env              map[string]string `json:"env"`
	Shellspec        string            `json:"shellspec"`
	EagerSessionInit bool              `json:"eagerSessionInit"`
}

// Extension is the static configuration for a kind of agent (spec §3:
// "ACP Extension"): id, command, args, env, shellspec reference,
// capabilities, eagerSessionInit flag.
type Extension struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Enabled      bool                   `json:"enabled"`
	Path         string                 `json:"path"`
	Type         string                 `json:"type"`
	Agent        AgentConfig            `json:"agent"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`

	// ShellSpec is resolved from Agent.Shellspec relative to the
	// extension's directory; nil if the extension names none.
	ShellSpec *ShellSpec `json:"-"`

	// dir is the extension's directory, recorded at load time.
	dir string
}

// ShellSpec is the structured non-JSON config surface an extension can
// reference (spec §6): shell, environment and timeout settings for the
// agent's supervised process. The loader parses it onto
// Extension.ShellSpec; nothing in this module applies it when spawning
// the agent, which gets only Agent.Env.
type ShellSpec struct {
	Shell   string            `yaml:"shell"`
	Env     map[string]string `yaml:"env"`
	Timeout string            `yaml:"timeout"`
}

// index is the parsed shape of extensions.json.
type index struct {
	Extensions []indexEntry `json:"extensions"`
}

type indexEntry struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
}
