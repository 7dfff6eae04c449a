// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manifest

import "sync"

// Registry holds the currently loaded, valid extensions keyed by id. A
// single Registry value is shared between the core and a Watcher; Load
// populates one, and a live reload swaps its contents atomically under
// lock so in-flight Get/List calls never see a half-updated map.
type Registry struct {
	mu         sync.RWMutex
	extensions map[string]*Extension
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{extensions: make(map[string]*Extension)}
}

// Get returns the extension for id, if loaded and enabled.
func (r *Registry) Get(id string) (*Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.extensions[id]
	return ext, ok
}

// List returns every currently loaded extension in no particular order.
func (r *Registry) List() []*Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Extension, 0, len(r.extensions))
	for _, ext := range r.extensions {
		out = append(out, ext)
	}
	return out
}

// replace swaps the registry's contents. Existing *Extension pointers
// handed out by prior Get/List calls are left untouched — per spec §6's
// supplemented reload behavior, live sessions keep referencing the
// extension config they started with; only the next lookup sees new
// config.
func (r *Registry) replace(exts map[string]*Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions = exts
}
