// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	indexFileName    = "extensions.json"
	manifestFileName = "manifest.json"
)

// Load reads extensions.json under dir, then each enabled entry's
// manifest.json, returning a populated Registry. A malformed
// extensions.json is fatal (the registry directory itself is
// unreadable, spec §7's "Fatal" taxonomy). A malformed individual
// extension manifest is not: it is skipped and recorded in the
// returned *ValidationError so the caller can log it and continue with
// whatever extensions did load, matching "Protocol violations... log,
// drop, continue."
func Load(dir string) (*Registry, error) {
	idx, err := loadIndex(dir)
	if err != nil {
		return nil, err
	}

	errs := &ValidationError{}
	loaded := make(map[string]*Extension, len(idx.Extensions))

	for _, entry := range idx.Extensions {
		if !entry.Enabled {
			continue
		}
		extDir := filepath.Join(dir, entry.Path)
		ext, err := loadExtension(extDir)
		if err != nil {
			errs.add(entry.ID, err.Error())
			continue
		}
		validateExtension(ext, errs)
		if ext.ID == "" || ext.Agent.Command == "" || ext.Type != "acp" {
			continue
		}
		loaded[ext.ID] = ext
	}

	reg := NewRegistry()
	reg.replace(loaded)

	if !errs.IsEmpty() {
		return reg, errs
	}
	return reg, nil
}

// Reload re-runs Load and swaps reg's contents in place, used by
// Watcher on a debounced fsnotify event.
func Reload(dir string, reg *Registry) error {
	fresh, err := Load(dir)
	if verr, ok := err.(*ValidationError); ok && fresh != nil {
		reg.replace(fresh.extensions)
		return verr
	}
	if err != nil {
		return err
	}
	reg.replace(fresh.extensions)
	return nil
}

func loadIndex(dir string) (*index, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", indexFileName, err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", indexFileName, err)
	}
	return &idx, nil
}

func loadExtension(extDir string) (*Extension, error) {
	data, err := os.ReadFile(filepath.Join(extDir, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestFileName, err)
	}
	var ext Extension
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestFileName, err)
	}
	ext.dir = extDir

	if ext.Agent.Shellspec != "" {
		spec, err := loadShellSpec(filepath.Join(extDir, ext.Agent.Shellspec))
		if err != nil {
			return nil, fmt.Errorf("load shellspec: %w", err)
		}
		ext.ShellSpec = spec
	}

	return &ext, nil
}

func loadShellSpec(path string) (*ShellSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec ShellSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &spec, nil
}
