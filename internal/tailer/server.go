// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tailscale/tscert"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Registry owns one Hub + FileTailer pair per (conversation, file) and
// serves the WebSocket fan-out for each. It is the single point a
// conversation registers its transcript.jsonl and
// agent_pty/events.jsonl for tailing.
type Registry struct {
	mu    sync.Mutex
	hubs  map[string]*Hub // key: conversation_id + "/" + file name
	stops map[string]func()
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[string]*Hub), stops: make(map[string]func())}
}

func hubKey(conversationID, file string) string { return conversationID + "/" + file }

// Watch starts tailing path under conversationID/file and returns its Hub,
// idempotently: calling Watch twice for the same key returns the same Hub.
func (r *Registry) Watch(ctx context.Context, conversationID, file, path string, translate Translator) *Hub {
	key := hubKey(conversationID, file)

	r.mu.Lock()
	if hub, ok := r.hubs[key]; ok {
		r.mu.Unlock()
		return hub
	}
	hub := NewHub()
	r.hubs[key] = hub
	r.mu.Unlock()

	tailCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.stops[key] = cancel
	r.mu.Unlock()

	ft := NewFileTailer(path, hub, translate)
	go ft.Run(tailCtx)

	return hub
}

// Stop cancels the tailer for conversationID/file and closes its Hub's
// subscribers.
func (r *Registry) Stop(conversationID, file string) {
	key := hubKey(conversationID, file)

	r.mu.Lock()
	cancel, ok := r.stops[key]
	hub := r.hubs[key]
	delete(r.stops, key)
	delete(r.hubs, key)
	r.mu.Unlock()

	if ok {
		cancel()
	}
	if hub != nil {
		hub.CloseAll()
	}
}

// WebSocket upgrades a request and streams a conversation/file's Hub to
// the client: a ping ticker, a read goroutine solely for close
// detection, and a write loop select-ing between new lines and pings.
func (r *Registry) WebSocket(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	conversationID := vars["conversation"]
	file := vars["file"]

	r.mu.Lock()
	hub, ok := r.hubs[hubKey(conversationID, file)]
	r.mu.Unlock()
	if !ok {
		http.Error(w, "not tailing "+file+" for "+conversationID, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	done := make(chan struct{})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(54 * time.Second)
	defer pingTicker.Stop()

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// RegisterRoutes mounts the tailer's WebSocket endpoint on r.
func (r *Registry) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/conversations/{conversation}/tail/{file}/ws", r.WebSocket).Methods("GET")
}

// TLSConfig builds a *tls.Config for the optional TLS/Tailscale
// listener settings: Tailscale's daemon-issued certs take priority,
// otherwise a static cert/key pair from disk, otherwise nil (plain
// HTTP).
func TLSConfig(useTailscale bool, certPath, keyPath string) (*tls.Config, error) {
	if useTailscale {
		return &tls.Config{GetCertificate: tscert.GetCertificate}, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(expandPath(certPath), expandPath(keyPath))
	if err != nil {
		return nil, fmt.Errorf("tailer: load TLS cert/key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func expandPath(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
