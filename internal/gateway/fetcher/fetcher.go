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

// Package fetcher implements the HTTP Fetcher from spec.md §4.4: it performs
// the actual outbound request once the policy and address guard have
// approved it, enforces the response cap while streaming rather than after
// buffering the whole body, re-validates every redirect hop through both the
// policy engine and the address guard, and maps every local failure onto the
// stable gwerr.Code taxonomy.
package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pep/internal/gateway/codec"
	"pep/internal/gateway/gwerr"
	"pep/internal/gateway/guard"
	"pep/internal/gateway/metrics"
	"pep/internal/gateway/policy"
)

// addressGuard is the slice of *guard.Guard the fetcher depends on. Tests
// substitute a fake that skips real address classification so an
// httptest.Server on loopback can stand in for an upstream, the same
// tiny-interface-for-testability shape the teacher uses for RedisEvaler and
// KafkaProducer.
type addressGuard interface {
	Resolve(ctx context.Context, host string) (*guard.Endpoint, error)
	DialApproved(ctx context.Context, ip net.IP, port string) (net.Conn, error)
}

// Default timeouts from spec.md §4.4.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// readChunkSize bounds a single read from the network so one Read call
// can't itself balloon decodedTotal past the cap by an unbounded amount.
const readChunkSize = 32 << 10

// Result is a fetched response, already capped and fully read into memory
// (the conn handler base64-encodes it into the wire Response).
type Result struct {
	Status  int
	Headers []codec.HeaderPair
	Body    []byte
}

// Fetcher performs guarded, capped, redirect-following HTTP(S) fetches.
type Fetcher struct {
	guard          addressGuard
	engine         *policy.Engine
	connectTimeout time.Duration
	requestTimeout time.Duration
}

// New constructs a Fetcher. g is typically a *guard.Guard in production.
func New(g addressGuard, engine *policy.Engine, connectTimeout, requestTimeout time.Duration) *Fetcher {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Fetcher{guard: g, engine: engine, connectTimeout: connectTimeout, requestTimeout: requestTimeout}
}

// Fetch performs the request described by req/headers/body against doc,
// following redirects up to doc.MaxRedirects and re-evaluating policy and
// the address guard at every hop (spec.md §4.4 step 3: "a redirect target is
// a brand-new request as far as policy and the guard are concerned").
func (f *Fetcher) Fetch(ctx context.Context, doc *policy.Document, method string, target *url.URL, headers []codec.HeaderPair, body []byte) (*Result, error) {
	currentMethod := method
	currentURL := target
	currentBody := body
	currentHeaders := fromPairs(filterForwardHeaders(toPairs(headers)))
	redirectsLeft := doc.MaxRedirects
	redirectsFollowed := 0
	originScheme := target.Scheme
	isRedirectHop := false

	for {
		evalReq := policy.Request{Method: currentMethod, URL: currentURL, DeclaredBodyLen: int64(len(currentBody))}
		dec := f.engine.Evaluate(doc, evalReq)
		if !dec.Allow {
			if isRedirectHop {
				return nil, gwerr.New(gwerr.CodeRedirectBlocked, "redirect target denied: "+dec.Reason)
			}
			return nil, gwerr.New(dec.Code, dec.Reason)
		}

		host := currentURL.Hostname()
		ep, err := f.guard.Resolve(ctx, host)
		if err != nil {
			if isRedirectHop {
				return nil, gwerr.Wrap(gwerr.CodeRedirectBlocked, "redirect target address resolution failed for "+host, err)
			}
			return nil, gwerr.Wrap(gwerr.CodeSSRFBlocked, "address resolution failed for "+host, err)
		}
		if ep.Forbidden {
			if isRedirectHop {
				return nil, gwerr.New(gwerr.CodeRedirectBlocked, "redirect target resolved address classified as "+string(ep.Reason))
			}
			return nil, gwerr.New(gwerr.CodeSSRFBlocked, "resolved address classified as "+string(ep.Reason))
		}

		httpResp, err := f.roundTrip(ctx, ep, currentMethod, currentURL, currentHeaders, currentBody)
		if err != nil {
			return nil, err
		}

		if isRedirectStatus(httpResp.StatusCode) {
			loc := httpResp.Header.Get("Location")
			httpResp.Body.Close()
			if redirectsLeft <= 0 {
				return nil, gwerr.New(gwerr.CodeRedirectBlocked, "redirect budget exhausted")
			}
			next, err := currentURL.Parse(loc)
			if err != nil {
				return nil, gwerr.Wrap(gwerr.CodeInvalidURL, "invalid redirect location", err)
			}
			if err := validateRedirectTarget(originScheme, next, doc.AllowHTTPSToHTTP); err != nil {
				return nil, err
			}
			sameOrigin := next.Scheme == currentURL.Scheme && strings.EqualFold(next.Hostname(), currentURL.Hostname()) && next.Port() == currentURL.Port()
			redirectsLeft--
			redirectsFollowed++
			newMethod, newBody := rewriteForRedirect(httpResp.StatusCode, currentMethod, currentBody)
			filtered := filterForwardHeaders(toPairs(currentHeaders))
			filtered = stripSensitiveOnCrossOrigin(filtered, sameOrigin)
			currentMethod = newMethod
			currentBody = newBody
			currentHeaders = fromPairs(filtered)
			currentURL = next
			isRedirectHop = true
			continue
		}

		metrics.ObserveRedirects(redirectsFollowed)
		return f.readCapped(httpResp, dec.MaxResponseBytes)
	}
}

// roundTrip performs a single HTTP round trip to the given resolved
// endpoint, binding the connection to the address the guard already
// approved rather than letting net/http re-resolve the hostname.
func (f *Fetcher) roundTrip(ctx context.Context, ep *guard.Endpoint, method string, u *url.URL, headers []codec.HeaderPair, body []byte) (*http.Response, error) {
	if len(ep.Addrs) == 0 {
		return nil, gwerr.New(gwerr.CodeSSRFBlocked, "resolved endpoint has no addresses")
	}
	approved := ep.Addrs[0]

	connectCtx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	defer cancel()

	transport := &http.Transport{
		DialContext: func(dctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				port = "80"
				if u.Scheme == "https" {
					port = "443"
				}
			}
			return f.guard.DialApproved(connectCtx, approved, port)
		},
		TLSClientConfig:    &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12},
		DisableCompression: true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   f.requestTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.CodeInvalidURL, "failed to construct upstream request", err)
	}
	for _, h := range headers {
		httpReq.Header.Add(h[0], h[1])
	}
	// spec.md §4.4: the client sets Accept-Encoding itself, capped at
	// gzip/deflate (never br), overriding anything the caller supplied; with
	// Transport.DisableCompression set, net/http neither adds its own
	// Accept-Encoding nor transparently decompresses the response, so
	// Content-Encoding survives to readCapped and the decompression-bomb
	// window check actually runs against the compressed byte stream.
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyDoError(err)
	}
	return resp, nil
}

// classifyDoError maps a transport-level failure onto the stable code
// taxonomy (spec.md §7): TLS handshake failures, timeouts, and generic I/O
// errors are distinguished so the guest and the audit log can tell them
// apart.
func classifyDoError(err error) error {
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return gwerr.Wrap(gwerr.CodeUpstreamTLS, "tls certificate verification failed", err)
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return gwerr.Wrap(gwerr.CodeUpstreamTLS, "tls handshake failed", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerr.Wrap(gwerr.CodeUpstreamTimeout, "upstream request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerr.Wrap(gwerr.CodeUpstreamTimeout, "upstream request timed out", err)
	}
	return gwerr.Wrap(gwerr.CodeUpstreamIO, "upstream request failed", err)
}

// readCapped streams resp.Body into memory, aborting the moment decoded
// bytes exceed cap (spec.md §4.4, §9: cap enforcement happens during
// streaming, never after a full buffer is already held).
func (f *Fetcher) readCapped(resp *http.Response, cap int64) (*Result, error) {
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	var counter *countingReader
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	switch encoding {
	case "gzip":
		counter = &countingReader{src: resp.Body}
		gz, err := gzip.NewReader(counter)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.CodeUpstreamIO, "failed to open gzip stream", err)
		}
		reader = gz
	case "deflate":
		counter = &countingReader{src: resp.Body}
		reader = flate.NewReader(counter)
	case "br":
		return nil, gwerr.New(gwerr.CodeConstraintViolated, "brotli responses are not supported")
	}

	capped := newCapReader(reader, counter, cap)

	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)
	for {
		n, err := capped.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			var gerr *gwerr.Error
			if errors.As(err, &gerr) {
				return nil, gerr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, gwerr.Wrap(gwerr.CodeUpstreamTimeout, "response read timed out", err)
			}
			return nil, gwerr.Wrap(gwerr.CodeUpstreamIO, "failed reading response body", err)
		}
	}

	headers := make([]codec.HeaderPair, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, codec.HeaderPair{name, v})
		}
	}

	return &Result{Status: resp.StatusCode, Headers: headers, Body: buf.Bytes()}, nil
}

// validateRedirectTarget rejects a redirect to a non-http(s) scheme and, by
// default, a redirect from https down to plain http (spec.md §4.4 step 3)
// unless the active policy explicitly allows the downgrade.
func validateRedirectTarget(originScheme string, next *url.URL, allowDowngrade bool) error {
	if next.Scheme != "http" && next.Scheme != "https" {
		return gwerr.New(gwerr.CodeRedirectBlocked, "redirect to non-http(s) scheme")
	}
	if originScheme == "https" && next.Scheme == "http" && !allowDowngrade {
		return gwerr.New(gwerr.CodeRedirectBlocked, "https to http downgrade not permitted")
	}
	return nil
}

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// rewriteForRedirect applies the standard redirect method-rewrite rules: a
// 303 always becomes a GET with no body; a 301/302 following a POST also
// becomes a GET with no body (matching what every mainstream browser and
// net/http's own redirect policy do); 307/308 always preserve method and
// body.
func rewriteForRedirect(status int, method string, body []byte) (string, []byte) {
	switch status {
	case http.StatusSeeOther:
		return http.MethodGet, nil
	case http.StatusMovedPermanently, http.StatusFound:
		if method == http.MethodPost {
			return http.MethodGet, nil
		}
	}
	return method, body
}

func toPairs(h []codec.HeaderPair) [][2]string {
	out := make([][2]string, len(h))
	for i, p := range h {
		out[i] = [2]string{p[0], p[1]}
	}
	return out
}

func fromPairs(h [][2]string) []codec.HeaderPair {
	out := make([]codec.HeaderPair, len(h))
	for i, p := range h {
		out[i] = codec.HeaderPair{p[0], p[1]}
	}
	return out
}
