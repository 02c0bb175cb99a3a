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

// Package policy implements the declarative, deny-by-default evaluator for
// the PEP egress gateway. A Document is a fixed schema — an allowlist plus
// size/redirect caps — not a general-purpose rule language: the original
// system evaluates policy through an embedded interpreter; this core
// hardcodes the evaluation order instead and treats the Document purely as
// data, removing an entire trust-surface component.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"pep/internal/gateway/gwerr"
)

// DefaultMaxRequestBytes and friends mirror spec.md §6.4's documented
// defaults; BuildPersister-style defaulting in the teacher's
// persistence/factory.go is the idiom this follows (fill in a sane value
// whenever the configured one is non-positive).
const (
	DefaultMaxRequestBytes  int64 = 5 << 20  // 5 MiB
	DefaultMaxResponseBytes int64 = 10 << 20 // 10 MiB
	DefaultMaxRedirects     int   = 5
)

// safeMethods is the fixed method whitelist (spec.md §3, Request Descriptor).
var safeMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"HEAD": true, "PATCH": true, "OPTIONS": true,
}

// Document is the immutable, versioned policy configuration. Callers must
// treat a *Document as read-only after Normalize(); the policy source
// layer is responsible for atomic replacement between decisions.
type Document struct {
	AllowedHosts     []string `json:"allowed_hosts"`
	MaxRequestBytes  int64    `json:"max_request_bytes"`
	MaxResponseBytes int64    `json:"max_response_bytes"`
	MaxRedirects     int      `json:"max_redirects"`
	AllowedMethods   []string `json:"allowed_methods,omitempty"`
	RedactHeaders    []string `json:"redact_headers,omitempty"`
	AllowHTTPSToHTTP bool     `json:"allow_https_downgrade,omitempty"`

	normalizedHosts map[string]bool // exact-match set, lowercase ASCII
	fingerprint     string
}

// Normalize lowercases/validates the document and computes its fingerprint.
// It must be called once after construction (policy sources do this before
// publishing a Document); Engine.Evaluate assumes a normalized Document.
func (d *Document) Normalize() *Document {
	out := *d
	out.normalizedHosts = make(map[string]bool, len(d.AllowedHosts))
	hosts := make([]string, 0, len(d.AllowedHosts))
	for _, h := range d.AllowedHosts {
		nh := normalizeHost(h)
		if nh == "" {
			continue
		}
		out.normalizedHosts[nh] = true
		hosts = append(hosts, nh)
	}
	sort.Strings(hosts)
	out.AllowedHosts = hosts

	if out.MaxRequestBytes <= 0 {
		out.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if out.MaxResponseBytes <= 0 {
		out.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if out.MaxRedirects <= 0 {
		out.MaxRedirects = DefaultMaxRedirects
	}
	sort.Strings(out.RedactHeaders)

	out.fingerprint = out.computeFingerprint()
	return &out
}

// Fingerprint returns the deterministic hash identifier for this Document.
func (d *Document) Fingerprint() string { return d.fingerprint }

func (d *Document) computeFingerprint() string {
	// Canonical JSON: fields are already sorted/normalized by Normalize, so
	// a plain Marshal is deterministic across calls for equal content.
	type canonical struct {
		AllowedHosts     []string `json:"allowed_hosts"`
		MaxRequestBytes  int64    `json:"max_request_bytes"`
		MaxResponseBytes int64    `json:"max_response_bytes"`
		MaxRedirects     int      `json:"max_redirects"`
		AllowedMethods   []string `json:"allowed_methods"`
		RedactHeaders    []string `json:"redact_headers"`
		AllowDowngrade   bool     `json:"allow_https_downgrade"`
	}
	methods := append([]string(nil), d.AllowedMethods...)
	sort.Strings(methods)
	c := canonical{
		AllowedHosts:     d.AllowedHosts,
		MaxRequestBytes:  d.MaxRequestBytes,
		MaxResponseBytes: d.MaxResponseBytes,
		MaxRedirects:     d.MaxRedirects,
		AllowedMethods:   methods,
		RedactHeaders:    d.RedactHeaders,
		AllowDowngrade:   d.AllowHTTPSToHTTP,
	}
	b, err := json.Marshal(c)
	if err != nil {
		// Marshal of a plain struct of strings/ints/bools cannot fail.
		panic("policy: unreachable marshal failure: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HostAllowed reports whether host matches the allowlist under the suffix
// rule from spec.md §4.3: an entry "example.com" matches "example.com"
// exactly or any host ending in ".example.com". host is lowercased and
// stripped of a trailing dot by normalizeHost, which performs no Punycode
// conversion: host must already be ASCII (A-label) form.
func (d *Document) HostAllowed(host string) bool {
	host = normalizeHost(host)
	if host == "" || len(d.normalizedHosts) == 0 {
		return false
	}
	if d.normalizedHosts[host] {
		return true
	}
	for entry := range d.normalizedHosts {
		if strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// MethodAllowed reports whether method is permitted by this document. An
// empty AllowedMethods list falls back to the fixed safe-method whitelist.
func (d *Document) MethodAllowed(method string) bool {
	if len(d.AllowedMethods) == 0 {
		return safeMethods[method]
	}
	for _, m := range d.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// normalizeHost lowercases and strips a single trailing dot (spec.md §8:
// host "example.com." matches allowlist "example.com"). spec.md §4.3 also
// requires internationalized hosts to be Punycode-normalized before
// matching; this gateway requires the guest-side shim to have already
// supplied an ASCII (A-label) host, the same assumption any bare net/url
// consumer makes, since net/url performs no IDNA conversion of its own —
// a raw non-ASCII host simply fails to match any (ASCII) allowlist entry
// and is denied by the deny-by-default rule rather than silently coerced.
func normalizeHost(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimSuffix(h, ".")
	h = strings.ToLower(h)
	if u, err := url.Parse("//" + h); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return h
}

// Request is the normalized descriptor the codec hands to the engine.
type Request struct {
	Method          string
	URL             *url.URL
	DeclaredBodyLen int64 // -1 if unknown
}

// Decision is the result of one policy evaluation (spec.md §3).
type Decision struct {
	Allow            bool
	Code             gwerr.Code
	Reason           string
	MaxResponseBytes int64
	MaxRedirects     int
	RedactHeaders    []string
	PolicyFP         string
}

// Engine evaluates requests against an active Document. It holds no mutable
// state of its own: the active Document is supplied per call by the caller,
// which captures a versioned reference at turn start (spec.md §5, "Shared
// resources") and never re-reads it mid-turn.
type Engine struct{}

// NewEngine constructs a stateless policy evaluator.
func NewEngine() *Engine { return &Engine{} }

// Evaluate runs the fixed evaluation order from spec.md §4.3 and returns
// the first failing check as a Decision, or an allow Decision carrying the
// effective obligations.
func (e *Engine) Evaluate(doc *Document, req Request) Decision {
	fp := doc.Fingerprint()

	if !doc.MethodAllowed(req.Method) {
		return deny(gwerr.CodeInvalidMethod, "method not in policy whitelist", fp)
	}

	if req.URL == nil || (req.URL.Scheme != "http" && req.URL.Scheme != "https") {
		return deny(gwerr.CodeInvalidURL, "url scheme must be http or https", fp)
	}

	host := req.URL.Hostname()
	if host == "" || !doc.HostAllowed(host) {
		return deny(gwerr.CodeDeniedByPolicy, "host not in allowlist: "+host, fp)
	}

	if req.DeclaredBodyLen > doc.MaxRequestBytes {
		return deny(gwerr.CodeConstraintViolated,
			"request body "+strconv.FormatInt(req.DeclaredBodyLen, 10)+" exceeds cap "+strconv.FormatInt(doc.MaxRequestBytes, 10),
			fp)
	}

	return Decision{
		Allow:            true,
		Code:             "",
		Reason:           "ok",
		MaxResponseBytes: doc.MaxResponseBytes,
		MaxRedirects:     doc.MaxRedirects,
		RedactHeaders:    doc.RedactHeaders,
		PolicyFP:         fp,
	}
}

func deny(code gwerr.Code, reason, fp string) Decision {
	return Decision{Allow: false, Code: code, Reason: reason, PolicyFP: fp}
}

// ParseURL is a small helper so callers (codec/conn) don't need to import
// net/url directly just to build a Request.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, errInvalidURL
	}
	return u, nil
}

var errInvalidURL = &gwerr.Error{Code: gwerr.CodeInvalidURL, Message: "url must be absolute"}
