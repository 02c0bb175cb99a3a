// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main wires the six gateway components described in spec.md §2
// together and runs them as one long-lived process: parse flags, load the
// initial policy, open the audit sink, start the guest-facing listener, and
// shut everything down in dependency order on SIGINT/SIGTERM — the same
// flags-then-wire-then-graceful-shutdown shape as
// vsa/cmd/ratelimiter-api/main.go, generalized from one HTTP API server to
// the PEP's connection handler plus an optional metrics/healthz listener.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pep/internal/gateway/audit"
	"pep/internal/gateway/config"
	"pep/internal/gateway/conn"
	"pep/internal/gateway/fetcher"
	"pep/internal/gateway/guard"
	"pep/internal/gateway/metrics"
	"pep/internal/gateway/policy"
	"pep/internal/gateway/policysource"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	source, err := cfg.Source()
	if err != nil {
		return fmt.Errorf("build policy source: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initial, err := source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load initial policy: %w", err)
	}
	log.Info("policy loaded", "fingerprint", initial.Fingerprint(), "hosts", len(initial.AllowedHosts))

	store := policysource.NewStore(initial)
	reloader := policysource.NewReloader(source, store, log)
	go reloader.Run(ctx, cfg.PolicyReload)
	defer reloader.Stop()

	sink, err := audit.Open(cfg.AuditLogPath, cfg.AuditFsync)
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	defer sink.Close()

	g := guard.New(net.DefaultResolver, cfg.DNSTimeout)
	engine := policy.NewEngine()
	f := fetcher.New(g, engine, cfg.ConnectTimeout, cfg.RequestTimeout)
	handler := conn.New(store, engine, f, sink, log, cfg.MaxConcurrentFetches)

	ln, err := listen(cfg)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	log.Info("gateway listening", "transport", cfg.Transport, "addr", cfg.ListenAddr)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = newMetricsServer(cfg.MetricsAddr, handler)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("metrics/healthz listening", "addr", cfg.MetricsAddr)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- handler.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("accept loop exited", "error", err)
		}
	}

	handler.Stop()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	log.Info("gateway stopped")
	return nil
}

// listen opens the guest-facing transport. A unix listener removes any
// stale socket file left behind by a prior unclean shutdown before binding,
// the same "best-effort cleanup before bind" idiom local socket servers in
// this corpus use for their pidfile/socket handling.
func listen(cfg *config.Config) (net.Listener, error) {
	switch cfg.Transport {
	case config.TransportUnix:
		_ = os.Remove(cfg.ListenAddr)
		ln, err := net.Listen("unix", cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		_ = os.Chmod(cfg.ListenAddr, 0o660)
		return ln, nil
	case config.TransportTCP:
		return net.Listen("tcp", cfg.ListenAddr)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// newMetricsServer exposes Prometheus metrics and a liveness probe on a
// listener distinct from the guest transport (spec.md §6.1: "no external
// network ingress is exposed" on the guest-facing socket; this one exists
// purely for process supervision and is never reachable from the guest).
func newMetricsServer(addr string, handler *conn.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		keys := config.SnapshotKeys()
		snap := config.Snapshot()
		ordered := make([]map[string]string, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, map[string]string{"name": k, "value": snap[k]})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":                 true,
			"time":               time.Now().UTC(),
			"active_connections": handler.ActiveConnections(),
			"thresholds":         ordered,
		})
	})
	return &http.Server{Addr: addr, Handler: mux}
}
