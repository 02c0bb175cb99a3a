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

// Package policysource loads the active policy.Document from one of several
// pluggable backends — environment variables, a JSON file reloadable on
// SIGHUP, or a value shared across a PEP fleet via Redis — mirroring the
// selector-driven adapter construction of the teacher's
// persistence.BuildPersister, generalized from "pick a commit backend" to
// "pick a policy backend".
package policysource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"pep/internal/gateway/policy"
)

// Source loads a policy.Document from some backend. Load must return a
// Normalize()'d document.
type Source interface {
	Load(ctx context.Context) (*policy.Document, error)
}

// EnvSource builds a Document from environment variables. It is the
// zero-infrastructure default, analogous to the teacher's "mock" persister
// adapter: no external dependency required to run the gateway.
type EnvSource struct {
	Prefix string // defaults to "PEP_"
}

const (
	envAllowedHosts     = "ALLOWED_HOSTS"
	envMaxRequestBytes  = "MAX_REQUEST_BYTES"
	envMaxResponseBytes = "MAX_RESPONSE_BYTES"
	envMaxRedirects     = "MAX_REDIRECTS"
	envAllowedMethods   = "ALLOWED_METHODS"
	envRedactHeaders    = "REDACT_HEADERS"
	envAllowDowngrade   = "ALLOW_HTTPS_DOWNGRADE"
)

// Load reads <prefix>ALLOWED_HOSTS (comma-separated, required) and the
// remaining optional tuning variables.
func (s EnvSource) Load(ctx context.Context) (*policy.Document, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "PEP_"
	}
	hostsRaw := os.Getenv(prefix + envAllowedHosts)
	if strings.TrimSpace(hostsRaw) == "" {
		return nil, fmt.Errorf("policysource: %s%s is required and must not be empty", prefix, envAllowedHosts)
	}
	doc := &policy.Document{
		AllowedHosts:     splitCSV(hostsRaw),
		MaxRequestBytes:  envInt64(prefix+envMaxRequestBytes, 0),
		MaxResponseBytes: envInt64(prefix+envMaxResponseBytes, 0),
		MaxRedirects:     int(envInt64(prefix+envMaxRedirects, 0)),
		AllowedMethods:   splitCSV(os.Getenv(prefix + envAllowedMethods)),
		RedactHeaders:    splitCSV(os.Getenv(prefix + envRedactHeaders)),
		AllowHTTPSToHTTP: os.Getenv(prefix+envAllowDowngrade) == "true",
	}
	return doc.Normalize(), nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// FileSource loads a Document from a JSON file on disk. Combined with
// Reloader (store.go) it supports SIGHUP-triggered reload without a
// restart (spec.md §4.3, "policy updates take effect for new turns without
// a process restart").
type FileSource struct {
	Path string
}

// fileDocument is the on-disk JSON shape; it is the json.Unmarshal target
// rather than policy.Document directly so the unexported normalizedHosts/
// fingerprint fields never need special-casing here.
type fileDocument struct {
	AllowedHosts     []string `json:"allowed_hosts"`
	MaxRequestBytes  int64    `json:"max_request_bytes"`
	MaxResponseBytes int64    `json:"max_response_bytes"`
	MaxRedirects     int      `json:"max_redirects"`
	AllowedMethods   []string `json:"allowed_methods"`
	RedactHeaders    []string `json:"redact_headers"`
	AllowHTTPSToHTTP bool     `json:"allow_https_downgrade"`
}

// Load reads and parses the file at Path.
func (s FileSource) Load(ctx context.Context) (*policy.Document, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("policysource: read %s: %w", s.Path, err)
	}
	var fd fileDocument
	if err := json.Unmarshal(b, &fd); err != nil {
		return nil, fmt.Errorf("policysource: parse %s: %w", s.Path, err)
	}
	doc := &policy.Document{
		AllowedHosts:     fd.AllowedHosts,
		MaxRequestBytes:  fd.MaxRequestBytes,
		MaxResponseBytes: fd.MaxResponseBytes,
		MaxRedirects:     fd.MaxRedirects,
		AllowedMethods:   fd.AllowedMethods,
		RedactHeaders:    fd.RedactHeaders,
		AllowHTTPSToHTTP: fd.AllowHTTPSToHTTP,
	}
	if len(doc.AllowedHosts) == 0 {
		return nil, fmt.Errorf("policysource: %s declares an empty allowed_hosts list", s.Path)
	}
	return doc.Normalize(), nil
}
