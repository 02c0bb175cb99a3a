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

package policysource

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"pep/internal/gateway/policy"
)

// Store holds the currently active Document behind an atomic pointer so
// readers (the connection handler, one per turn) never block on a writer
// publishing a new version — the copy-on-write replacement spec.md §4.3
// requires. Store satisfies conn.DocumentSource.
type Store struct {
	ref atomic.Pointer[policy.Document]
}

// NewStore constructs a Store already holding initial.
func NewStore(initial *policy.Document) *Store {
	s := &Store{}
	s.ref.Store(initial)
	return s
}

// Current returns the active Document.
func (s *Store) Current() *policy.Document { return s.ref.Load() }

// Set atomically replaces the active Document.
func (s *Store) Set(doc *policy.Document) { s.ref.Store(doc) }

// Reloader periodically, or on SIGHUP, reloads a Source into a Store. It
// follows the teacher's Worker shape (stopChan + sync.WaitGroup-free single
// goroutine, atomic stop guard) adapted to reload-on-signal instead of
// ticking-and-committing.
type Reloader struct {
	source Source
	store  *Store
	log    *slog.Logger

	stopChan chan struct{}
	stopped  atomic.Bool
	done     chan struct{}
}

// NewReloader constructs a Reloader. log may be nil (slog.Default() is used).
func NewReloader(source Source, store *Store, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	return &Reloader{source: source, store: store, log: log, stopChan: make(chan struct{}), done: make(chan struct{})}
}

// Run blocks, reloading the Store whenever SIGHUP arrives or interval
// elapses (interval <= 0 disables periodic reload, leaving SIGHUP as the
// only trigger). A failed reload logs and keeps serving the last-known-good
// Document rather than propagating the error, per spec.md §4.3's
// fail-static reconfiguration requirement.
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var tickCh <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-sigCh:
			r.reload(ctx)
		case <-tickCh:
			r.reload(ctx)
		}
	}
}

func (r *Reloader) reload(ctx context.Context) {
	doc, err := r.source.Load(ctx)
	if err != nil {
		r.log.Error("policy reload failed, keeping previous document", "error", err)
		return
	}
	r.store.Set(doc)
	r.log.Info("policy reloaded", "fingerprint", doc.Fingerprint(), "hosts", len(doc.AllowedHosts))
}

// Stop signals Run to return and waits for it to do so.
func (r *Reloader) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	close(r.stopChan)
	<-r.done
}
