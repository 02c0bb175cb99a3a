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

// Package conn implements the Connection Handler from spec.md §4.6/§5: it
// owns the accept loop, runs one request/response turn at a time per
// connection (no pipelining), and bounds the number of fetches in flight
// across every connection with a shared worker pool — the same
// stopChan+sync.WaitGroup+atomic shutdown shape the teacher's core.Worker
// uses for its background loops, adapted here to gate foreground work
// instead of a ticker.
package conn

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pep/internal/gateway/audit"
	"pep/internal/gateway/codec"
	"pep/internal/gateway/fetcher"
	"pep/internal/gateway/gwerr"
	"pep/internal/gateway/metrics"
	"pep/internal/gateway/policy"
)

// DocumentSource supplies the currently active policy document. A turn
// captures exactly one snapshot at its start and never re-reads it mid-turn
// (spec.md §5, "Shared resources").
type DocumentSource interface {
	Current() *policy.Document
}

// Handler accepts connections and runs the turn loop on each.
type Handler struct {
	docs    DocumentSource
	engine  *policy.Engine
	fetcher *fetcher.Fetcher
	sink    *audit.Sink
	log     *slog.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopped  atomic.Bool
	active   atomic.Int64
}

// DefaultMaxConcurrentFetches is the bounded fetch pool size from spec.md §4.6.
const DefaultMaxConcurrentFetches = 16

// New constructs a connection handler. maxConcurrentFetches <= 0 falls back
// to DefaultMaxConcurrentFetches.
func New(docs DocumentSource, engine *policy.Engine, f *fetcher.Fetcher, sink *audit.Sink, log *slog.Logger, maxConcurrentFetches int) *Handler {
	if maxConcurrentFetches <= 0 {
		maxConcurrentFetches = DefaultMaxConcurrentFetches
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		docs:     docs,
		engine:   engine,
		fetcher:  f,
		sink:     sink,
		log:      log,
		sem:      make(chan struct{}, maxConcurrentFetches),
		stopChan: make(chan struct{}),
	}
}

// Serve runs the accept loop on ln until ctx is cancelled or Stop is called.
func (h *Handler) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-h.stopChan:
			ln.Close()
		}
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-h.stopChan:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.log.Warn("accept failed", "error", err)
			continue
		}
		h.wg.Add(1)
		h.active.Add(1)
		metrics.ConnectionOpened()
		go func() {
			defer h.wg.Done()
			defer h.active.Add(-1)
			defer metrics.ConnectionClosed()
			h.handleConn(ctx, c)
		}()
	}
}

// ActiveConnections reports how many guest connections are currently being
// served, for the liveness endpoint's process-supervision summary.
func (h *Handler) ActiveConnections() int64 { return h.active.Load() }

// Stop signals the accept loop and all in-flight connection goroutines to
// wind down, and blocks until they have.
func (h *Handler) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	close(h.stopChan)
	h.wg.Wait()
}

func (h *Handler) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	maxFrame := uint32(policy.DefaultMaxRequestBytes + codec.HeaderOverhead)
	if doc := h.docs.Current(); doc != nil {
		maxFrame = uint32(doc.MaxRequestBytes + codec.HeaderOverhead)
	}
	cdc := codec.New(c, maxFrame)

	for {
		select {
		case <-h.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		req, err := cdc.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return // clean close between turns
			}
			h.log.Debug("malformed frame, closing connection", "error", err)
			resp := codec.ErrorResponse(gwerr.CodeOf(err), gwerr.MessageOf(err))
			_ = cdc.WriteResponse(resp)
			return
		}

		h.runTurn(ctx, c, cdc, req)
	}
}

// runTurn executes one request/response turn. It ties the upstream fetch's
// lifetime to the guest connection via a per-turn cancellable context: a
// background goroutine blocks on a throwaway read of c for the turn's
// duration, and a close or unexpected byte from the guest cancels the
// fetch promptly (spec.md §4.6 state machine: cancellation after Fetching
// aborts the upstream request and still emits a client_aborted record).
// The monitor is stopped deterministically by resetting the read deadline
// once the turn completes, never by racing with the next frame's read.
func (h *Handler) runTurn(ctx context.Context, c net.Conn, cdc *codec.Codec, req *codec.Request) {
	start := time.Now()

	turnCtx, cancel := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		var peek [1]byte
		n, err := c.Read(peek[:])
		if n > 0 || (err != nil && !isDeadlineExceeded(err)) {
			cancel()
		}
	}()

	resp, decisionCode, reqBytes, respBytes, status := h.evaluateAndFetch(turnCtx, req)

	_ = c.SetReadDeadline(time.Now())
	<-monitorDone
	_ = c.SetReadDeadline(time.Time{})
	cancel()

	metrics.ObserveTurn(string(decisionCode))

	if err := cdc.WriteResponse(resp); err != nil {
		h.log.Debug("failed writing response", "error", err)
	}

	// seq is allocated here, immediately before Append, not at turn start:
	// NextSeq must reflect emission order (spec.md §5), and fetches have
	// variable duration, so a turn that started later can finish first.
	seq := h.sink.NextSeq()
	metrics.ObserveAuditSeq(seq)

	rec := audit.Record{
		Seq:         seq,
		TS:          start.UTC().Format(time.RFC3339Nano),
		Decision:    decisionOf(decisionCode),
		Reason:      reasonOf(decisionCode),
		Method:      req.Method,
		Host:        hostOf(req.URL),
		PathSHA256:  audit.HashPath(pathOf(req.URL)),
		ReqBytes:    uint64(reqBytes),
		RespBytes:   uint64(respBytes),
		Status:      uint16(status),
		ElapsedMS:   uint64(time.Since(start).Milliseconds()),
		PolicyFP:    currentFingerprint(h.docs),
		SafeHeaders: safeHeadersOf(resp),
	}
	h.sink.Append(rec)

	if rec.Decision == "allow" {
		h.log.Info("turn", "method", rec.Method, "host", rec.Host, "status", rec.Status, "elapsed_ms", rec.ElapsedMS)
	} else {
		h.log.Warn("turn", "method", rec.Method, "host", rec.Host, "reason", rec.Reason, "elapsed_ms", rec.ElapsedMS)
	}
}

// safeHeadersOf extracts the fixed, allowlisted header subset from a
// response envelope for the audit record (spec.md §4.5 invariant (iv)): a
// denial envelope carries no headers, so this is a no-op for deny turns.
func safeHeadersOf(resp *codec.Response) map[string]string {
	if resp == nil || len(resp.Headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(resp.Headers))
	for _, h := range resp.Headers {
		if audit.SafeHeaderAllowlist[toLower(h[0])] {
			out[toLower(h[0])] = h[1]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// evaluateAndFetch runs policy evaluation and, if allowed, performs the
// guarded fetch with panic recovery isolating one misbehaving turn from the
// rest of the gateway (spec.md §4.6: a bug in one turn must not take down
// other connections).
func (h *Handler) evaluateAndFetch(ctx context.Context, req *codec.Request) (resp *codec.Response, code gwerr.Code, reqBytes, respBytes, status int) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered panic handling turn", "panic", r)
			resp = codec.ErrorResponse(gwerr.CodeInternal, "internal error")
			code = gwerr.CodeInternal
		}
	}()

	doc := h.docs.Current()

	u, err := policy.ParseURL(req.URL)
	if err != nil {
		return codec.ErrorResponse(gwerr.CodeInvalidURL, "malformed url"), gwerr.CodeInvalidURL, 0, 0, 0
	}

	var body []byte
	if req.BodyBase64 != nil {
		body, err = base64.StdEncoding.DecodeString(*req.BodyBase64)
		if err != nil {
			return codec.ErrorResponse(gwerr.CodeInvalidFrame, "malformed body_base64"), gwerr.CodeInvalidFrame, 0, 0, 0
		}
	}
	reqBytes = len(body)

	dec := h.engine.Evaluate(doc, policy.Request{Method: req.Method, URL: u, DeclaredBodyLen: int64(reqBytes)})
	if !dec.Allow {
		return codec.ErrorResponse(dec.Code, dec.Reason), dec.Code, reqBytes, 0, 0
	}

	h.sem <- struct{}{}
	metrics.ObserveFetchStart()
	defer func() { <-h.sem; metrics.ObserveFetchEnd() }()

	headers := make([]codec.HeaderPair, len(req.Headers))
	copy(headers, req.Headers)

	result, err := h.fetcher.Fetch(ctx, doc, req.Method, u, headers, body)
	if err != nil {
		if ctx.Err() != nil {
			return codec.ErrorResponse(gwerr.CodeClientAborted, "client connection closed"), gwerr.CodeClientAborted, reqBytes, 0, 0
		}
		c := gwerr.CodeOf(err)
		return codec.ErrorResponse(c, gwerr.MessageOf(err)), c, reqBytes, 0, 0
	}

	metrics.ObserveResponseBytes(len(result.Body))

	var bodyB64 *string
	if len(result.Body) > 0 {
		s := base64.StdEncoding.EncodeToString(result.Body)
		bodyB64 = &s
	}
	respHeaders := applyRedaction(result.Headers, dec.RedactHeaders)

	return &codec.Response{
		Status:     result.Status,
		Headers:    respHeaders,
		BodyBase64: bodyB64,
	}, "", reqBytes, len(result.Body), result.Status
}

// applyRedaction drops any header named in redact (case-insensitive) from
// what is returned to the guest (spec.md §4.3, Document.RedactHeaders).
func applyRedaction(headers []codec.HeaderPair, redact []string) []codec.HeaderPair {
	if len(redact) == 0 {
		return headers
	}
	blocked := make(map[string]bool, len(redact))
	for _, r := range redact {
		blocked[toLower(r)] = true
	}
	out := make([]codec.HeaderPair, 0, len(headers))
	for _, h := range headers {
		if blocked[toLower(h[0])] {
			continue
		}
		out = append(out, h)
	}
	return out
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func decisionOf(code gwerr.Code) string {
	if code == "" {
		return "allow"
	}
	return "deny"
}

// reasonOf returns the stable reason code for the audit record (spec.md §6.5:
// "reason": "<stable_code>"), not the free-form human message.
func reasonOf(code gwerr.Code) string {
	if code == "" {
		return "ok"
	}
	return string(code)
}

func hostOf(raw string) string {
	u, err := policy.ParseURL(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func pathOf(raw string) string {
	u, err := policy.ParseURL(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

// isDeadlineExceeded reports whether err is the timeout produced by the
// read-deadline reset runTurn uses to stop its disconnect monitor, as
// opposed to a genuine guest disconnect or protocol violation.
func isDeadlineExceeded(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func currentFingerprint(docs DocumentSource) string {
	doc := docs.Current()
	if doc == nil {
		return ""
	}
	return doc.Fingerprint()
}
