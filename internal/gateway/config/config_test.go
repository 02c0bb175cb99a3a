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

package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Transport != TransportUnix {
		t.Fatalf("expected default transport unix, got %s", cfg.Transport)
	}
	if cfg.MaxConcurrentFetches != 16 {
		t.Fatalf("expected default concurrency 16, got %d", cfg.MaxConcurrentFetches)
	}
	if !cfg.AuditFsync {
		t.Fatalf("expected audit fsync default true")
	}
}

func TestParseRejectsUnknownTransport(t *testing.T) {
	_, err := Parse([]string{"-transport", "quic"})
	if err == nil {
		t.Fatalf("expected error for unsupported transport")
	}
}

func TestSourceSelection(t *testing.T) {
	cfg, err := Parse([]string{"-policy_source", "file"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := cfg.Source(); err == nil {
		t.Fatalf("expected error: file source requires -policy_file")
	}

	cfg, err = Parse([]string{"-policy_source", "file", "-policy_file", "/tmp/policy.json"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := cfg.Source(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSnapshotReflectsParsedValues(t *testing.T) {
	if _, err := Parse([]string{"-transport", "tcp", "-max_concurrent_fetches", "4"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	snap := Snapshot()
	if snap["transport"] != "tcp" {
		t.Fatalf("expected snapshot transport=tcp, got %v", snap["transport"])
	}
	if snap["max_concurrent_fetches"] != "4" {
		t.Fatalf("expected snapshot max_concurrent_fetches=4, got %v", snap["max_concurrent_fetches"])
	}
}
