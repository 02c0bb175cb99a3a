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

// Package metrics exposes Prometheus counters/gauges for the gateway, the
// same global-registration-with-no-unbounded-cardinality shape the teacher's
// telemetry/churn package uses for the rate limiter's KPIs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	turnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pep_turns_total",
		Help: "Total request/response turns completed across all connections",
	})
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pep_decisions_total",
		Help: "Total policy decisions by outcome reason code",
	}, []string{"code"})
	fetchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pep_fetch_in_flight",
		Help: "Number of fetches currently occupying the bounded concurrency pool",
	})
	redirectsPerFetch = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pep_redirects_per_fetch",
		Help:    "Number of redirects followed per completed fetch",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
	})
	responseBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pep_response_bytes",
		Help:    "Size in bytes of fetched response bodies",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})
	auditSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pep_audit_sequence",
		Help: "Most recently allocated audit sequence number",
	})
	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pep_connections_active",
		Help: "Number of guest connections currently being served",
	})
)

func init() {
	prometheus.MustRegister(turnsTotal, decisionsTotal, fetchInFlight, redirectsPerFetch, responseBytes, auditSeq, connectionsActive)
}

// ObserveTurn records the outcome of a completed turn.
func ObserveTurn(code string) {
	turnsTotal.Inc()
	decisionsTotal.WithLabelValues(normalizeCode(code)).Inc()
}

// ObserveFetchStart/ObserveFetchEnd bracket a fetch's occupancy of the
// bounded concurrency pool.
func ObserveFetchStart() { fetchInFlight.Inc() }
func ObserveFetchEnd()   { fetchInFlight.Dec() }

// ObserveRedirects records how many redirects a completed fetch followed.
func ObserveRedirects(n int) { redirectsPerFetch.Observe(float64(n)) }

// ObserveResponseBytes records the size of a fetched response body.
func ObserveResponseBytes(n int) { responseBytes.Observe(float64(n)) }

// ObserveAuditSeq reports the latest allocated audit sequence number.
func ObserveAuditSeq(seq uint64) { auditSeq.Set(float64(seq)) }

// ConnectionOpened/ConnectionClosed track the active connection gauge.
func ConnectionOpened() { connectionsActive.Inc() }
func ConnectionClosed() { connectionsActive.Dec() }

func normalizeCode(code string) string {
	if code == "" {
		return "allow"
	}
	return code
}

// Handler returns the promhttp handler for the gateway's /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
