// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/mrsurge/agent-log-server-sub000/internal/config"
	"github.com/mrsurge/agent-log-server-sub000/internal/core"
	"github.com/mrsurge/agent-log-server-sub000/internal/tailer"
)

var version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "Listener host (overrides config)")
	flag.IntVar(&port, "port", 0, "Listener port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("agent-log-server %s\n", version)
		os.Exit(0)
	}

	loader := config.NewLoader()
	if configPath == "" {
		found, err := loader.FindConfig()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		configPath = found
	}
	log.Printf("Using config: %s", configPath)

	cfg, err := loader.LoadWithDefaults(context.Background(), configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	c, err := core.New(core.Options{
		BaseDir:         cfg.BaseDir,
		ManifestDir:     cfg.ManifestDir,
		ShellPath:       cfg.ShellPath,
		WatchManifest:   cfg.WatchManifest,
		RawRingCapacity: cfg.Caps.RawRingBufferSize,
	})
	if err != nil {
		log.Fatalf("Failed to construct core: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("Extension warmup failed: %v", err)
	}

	tlsConfig, err := tailer.TLSConfig(cfg.Server.TLS.UseTailscale, cfg.Server.TLS.CertPath, cfg.Server.TLS.KeyPath)
	if err != nil {
		log.Fatalf("Failed to build TLS config: %v", err)
	}

	router := mux.NewRouter()
	c.Tailers().RegisterRoutes(router)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router, TLSConfig: tlsConfig}

	go func() {
		var serveErr error
		if tlsConfig != nil {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("Server error: %v", serveErr)
		}
	}()
	log.Printf("Listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
