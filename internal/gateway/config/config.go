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

// Package config parses the gateway's process-level flags (spec.md §6.4's
// PEP_* variables are handled by policysource.EnvSource; this package covers
// everything around it: transport selection, timeouts, the audit log, and
// which policy source backs the gateway) and keeps a queryable snapshot of
// the resolved values, mirroring the teacher's SetThreshold*/getThresholdSnapshot
// idiom in internal/ratelimiter/core/persistence.go — there it feeds a final
// metrics printout, here it feeds the /healthz diagnostic endpoint.
package config

import (
	"flag"
	"fmt"
	"sort"
	"sync"
	"time"

	"pep/internal/gateway/fetcher"
	"pep/internal/gateway/policysource"
)

// Transport selects the guest-facing stream transport (spec.md §6.1: the
// choice of unix socket vs loopback TCP vs a vsock bridge is a deployment
// decision external to the core; the gateway supports the first two
// directly and accepts any bidirectional stream an external bridge hands
// it for the third).
type Transport string

const (
	TransportUnix Transport = "unix"
	TransportTCP  Transport = "tcp"
)

// PolicySourceKind selects which policysource.Source backs the gateway.
type PolicySourceKind string

const (
	PolicySourceEnv   PolicySourceKind = "env"
	PolicySourceFile  PolicySourceKind = "file"
	PolicySourceRedis PolicySourceKind = "redis"
)

// Config is the fully-resolved set of process-level knobs.
type Config struct {
	Transport   Transport
	ListenAddr  string
	MetricsAddr string // empty disables the optional metrics/healthz listener

	AuditLogPath string
	AuditFsync   bool

	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	MaxConcurrentFetches int
	DNSTimeout           time.Duration

	PolicySource    PolicySourceKind
	PolicyFilePath  string
	PolicyRedisAddr string
	PolicyRedisKey  string
	PolicyReload    time.Duration
}

// Parse builds a Config from args (typically os.Args[1:]), following the
// same flag.FlagSet-per-call shape as cmd/ratelimiter-api/main.go so tests
// can parse arbitrary argument slices without touching the global flag.CommandLine.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("pep-gateway", flag.ContinueOnError)

	transport := fs.String("transport", string(TransportUnix), "guest transport: unix or tcp")
	listenAddr := fs.String("listen", "/tmp/pep.sock", "listen address (socket path for unix, host:port for tcp)")
	metricsAddr := fs.String("metrics_addr", "", "if non-empty, expose Prometheus /metrics and /healthz on this address")

	auditLog := fs.String("audit_log", "pep-audit.jsonl", "path to the append-only JSONL audit log")
	auditFsync := fs.Bool("audit_fsync", true, "fsync every audit record (strong durability default per spec)")

	connectTimeout := fs.Duration("connect_timeout", fetcher.DefaultConnectTimeout, "upstream TCP/TLS connect timeout")
	requestTimeout := fs.Duration("request_timeout", fetcher.DefaultRequestTimeout, "upstream request deadline, connect through body read")
	maxConcurrentFetches := fs.Int("max_concurrent_fetches", 16, "bounded pool size for in-flight upstream fetches across all connections")
	dnsTimeout := fs.Duration("dns_timeout", 5*time.Second, "bounded DNS resolution timeout for the address guard")

	policySource := fs.String("policy_source", string(PolicySourceEnv), "policy source: env, file, or redis")
	policyFile := fs.String("policy_file", "", "path to a JSON policy document (policy_source=file)")
	policyRedisAddr := fs.String("policy_redis_addr", "", "redis address hosting the shared policy document (policy_source=redis)")
	policyRedisKey := fs.String("policy_redis_key", "pep:policy", "redis key holding the shared policy document")
	policyReload := fs.Duration("policy_reload_interval", 0, "periodic policy reload interval in addition to SIGHUP (0 disables polling)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Transport:            Transport(*transport),
		ListenAddr:           *listenAddr,
		MetricsAddr:          *metricsAddr,
		AuditLogPath:         *auditLog,
		AuditFsync:           *auditFsync,
		ConnectTimeout:       *connectTimeout,
		RequestTimeout:       *requestTimeout,
		MaxConcurrentFetches: *maxConcurrentFetches,
		DNSTimeout:           *dnsTimeout,
		PolicySource:         PolicySourceKind(*policySource),
		PolicyFilePath:       *policyFile,
		PolicyRedisAddr:      *policyRedisAddr,
		PolicyRedisKey:       *policyRedisKey,
		PolicyReload:         *policyReload,
	}
	if cfg.Transport != TransportUnix && cfg.Transport != TransportTCP {
		return nil, fmt.Errorf("config: unsupported transport %q (want unix or tcp)", cfg.Transport)
	}

	SetThreshold("transport", string(cfg.Transport))
	SetThreshold("listen", cfg.ListenAddr)
	SetThreshold("metrics_addr", cfg.MetricsAddr)
	SetThresholdBool("audit_fsync", cfg.AuditFsync)
	SetThresholdDuration("connect_timeout", cfg.ConnectTimeout)
	SetThresholdDuration("request_timeout", cfg.RequestTimeout)
	SetThresholdInt64("max_concurrent_fetches", int64(cfg.MaxConcurrentFetches))
	SetThreshold("policy_source", string(cfg.PolicySource))

	return cfg, nil
}

// Source builds the policysource.Source this Config selects.
func (c *Config) Source() (policysource.Source, error) {
	switch c.PolicySource {
	case PolicySourceEnv, "":
		return policysource.EnvSource{}, nil
	case PolicySourceFile:
		if c.PolicyFilePath == "" {
			return nil, fmt.Errorf("config: policy_source=file requires -policy_file")
		}
		return policysource.FileSource{Path: c.PolicyFilePath}, nil
	case PolicySourceRedis:
		if c.PolicyRedisAddr == "" {
			return nil, fmt.Errorf("config: policy_source=redis requires -policy_redis_addr")
		}
		return policysource.NewRedisSource(c.PolicyRedisAddr, c.PolicyRedisKey), nil
	default:
		return nil, fmt.Errorf("config: unknown policy_source %q", c.PolicySource)
	}
}

// thresholds is the package-level introspection snapshot, guarded by mu,
// mirroring core.thresholds/getThresholdSnapshot in the teacher.
var (
	mu         sync.RWMutex
	thresholds = map[string]string{}
)

func SetThreshold(name, value string)        { setThreshold(name, value) }
func SetThresholdBool(name string, v bool)   { setThreshold(name, fmt.Sprintf("%t", v)) }
func SetThresholdInt64(name string, v int64) { setThreshold(name, fmt.Sprintf("%d", v)) }
func SetThresholdDuration(name string, v time.Duration) {
	setThreshold(name, v.String())
}

func setThreshold(name, value string) {
	mu.Lock()
	defer mu.Unlock()
	thresholds[name] = value
}

// Snapshot returns an (unordered) copy of every configured threshold, the
// map /healthz reads from; SnapshotKeys supplies the sorted key order.
func Snapshot() map[string]string {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]string, len(thresholds))
	for k, v := range thresholds {
		out[k] = v
	}
	return out
}

// SnapshotKeys returns the threshold names in sorted order, for deterministic
// log/printout ordering the way the teacher's PrintFinalMetrics sorts keys
// before printing.
func SnapshotKeys() []string {
	mu.RLock()
	keys := make([]string, 0, len(thresholds))
	for k := range thresholds {
		keys = append(keys, k)
	}
	mu.RUnlock()
	sort.Strings(keys)
	return keys
}
