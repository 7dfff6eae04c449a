// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads a Registry whenever extensions.json or any
// extension's manifest.json changes: a debounced fsnotify consumer
// that re-reads state from disk rather than trying to apply a diff.
// A reload only replaces the registry map; shared shells already
// running under the old
// config are untouched.
type Watcher struct {
	dir      string
	registry *Registry
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onReload func(error)

	mu      sync.Mutex
	timer   *time.Timer
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher over dir's extensions.json and every
// immediate subdirectory's manifest.json. onReload, if non-nil, is
// called after each reload attempt with the error Reload returned
// (which may be a non-nil *ValidationError even on partial success).
func NewWatcher(dir string, registry *Registry, onReload func(error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:      dir,
		registry: registry,
		fsw:      fsw,
		debounce: defaultDebounce,
		onReload: onReload,
		closeCh:  make(chan struct{}),
	}

	if err := w.addWatches(); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

func (w *Watcher) addWatches() error {
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = w.fsw.Add(filepath.Join(w.dir, entry.Name()))
		}
	}
	return nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("manifest: watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if base != indexFileName && base != manifestFileName {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		err := Reload(w.dir, w.registry)
		if w.onReload != nil {
			w.onReload(err)
		}
	})
}

// Close stops the watcher and releases fsnotify resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.closeCh)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
