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

// Package guard implements the rebinding-safe Address Guard (spec.md §4.2).
// Every connect attempt — the initial request and every redirect hop —
// re-resolves the host and classifies every returned address; the guard
// never trusts a prior hop's resolution, and it binds the socket to the
// exact address it approved rather than letting the dialer re-resolve.
package guard

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Classification is the per-address security classification from spec.md §4.2.
type Classification string

const (
	ClassPublic      Classification = "public"
	ClassLoopback    Classification = "loopback"
	ClassPrivate     Classification = "private"
	ClassLinkLocal   Classification = "link_local"
	ClassMulticast   Classification = "multicast"
	ClassReserved    Classification = "reserved"
	ClassUnspecified Classification = "unspecified"
	ClassBroadcast   Classification = "broadcast"
	ClassCGNAT       Classification = "cgnat"
)

// cgnatBlock is 100.64.0.0/10 (carrier-grade NAT, RFC 6598).
var cgnatBlock = mustParseCIDR("100.64.0.0/10")

// reservedBlocks covers IETF-reserved ranges not already implied by the
// stdlib net.IP classifiers (0.0.0.0/8 "this network", 192.0.0.0/24 IETF
// protocol assignments, 192.0.2.0/24 / 198.51.100.0/24 / 203.0.113.0/24
// documentation ranges, 240.0.0.0/4 future use).
var reservedBlocks = []*net.IPNet{
	mustParseCIDR("0.0.0.0/8"),
	mustParseCIDR("192.0.0.0/24"),
	mustParseCIDR("192.0.2.0/24"),
	mustParseCIDR("198.51.100.0/24"),
	mustParseCIDR("203.0.113.0/24"),
	mustParseCIDR("240.0.0.0/4"),
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic("guard: invalid CIDR literal " + s + ": " + err.Error())
	}
	return n
}

// Classify assigns a Classification to a single IP, unwrapping IPv4-mapped
// IPv6 forms (::ffff:a.b.c.d) before checking so a rebinding attempt can't
// hide a private address behind that encoding (spec.md §4.2).
func Classify(ip net.IP) Classification {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	switch {
	case ip.IsLoopback():
		return ClassLoopback
	case ip.IsUnspecified():
		return ClassUnspecified
	case ip.IsLinkLocalUnicast():
		return ClassLinkLocal
	case ip.IsMulticast():
		return ClassMulticast
	case ip.IsPrivate():
		return ClassPrivate
	case ip.Equal(net.IPv4bcast):
		return ClassBroadcast
	}
	if v4 := ip.To4(); v4 != nil {
		if cgnatBlock.Contains(v4) {
			return ClassCGNAT
		}
		for _, b := range reservedBlocks {
			if b.Contains(v4) {
				return ClassReserved
			}
		}
	}
	return ClassPublic
}

// Endpoint is a Resolved Endpoint (spec.md §3): every address the resolver
// returned for a host, each carrying its own classification.
type Endpoint struct {
	Host      string
	Addrs     []net.IP
	Class     map[string]Classification // keyed by Addrs[i].String()
	Forbidden bool
	Reason    Classification // the classification that poisoned the endpoint, if Forbidden
}

// Resolver abstracts the minimal DNS surface the guard needs, so tests can
// substitute a fixed address table instead of hitting the real resolver —
// the same "abstract the external dependency behind a tiny interface"
// shape the teacher uses for its persistence adapters (RedisEvaler,
// KafkaProducer).
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard resolves and classifies hosts, and dials the exact address it
// approved.
type Guard struct {
	resolver Resolver
	timeout  time.Duration
	dialer   net.Dialer
}

// New constructs a Guard using the given resolver (net.DefaultResolver in
// production) with a bounded DNS lookup timeout.
func New(resolver Resolver, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Guard{resolver: resolver, timeout: timeout}
}

// Resolve looks up host and classifies every returned address. If the host
// is itself a literal IP, it is classified directly without a DNS round
// trip (spec.md §4.2: "Literal IP hosts receive the same classification").
func (g *Guard) Resolve(ctx context.Context, host string) (*Endpoint, error) {
	ep := &Endpoint{Host: host, Class: map[string]Classification{}}

	if literal := net.ParseIP(host); literal != nil {
		ep.Addrs = []net.IP{literal}
	} else {
		lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		addrs, err := g.resolver.LookupIPAddr(lookupCtx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("resolve %s: no addresses returned", host)
		}
		for _, a := range addrs {
			ep.Addrs = append(ep.Addrs, a.IP)
		}
	}

	for _, ip := range ep.Addrs {
		c := Classify(ip)
		ep.Class[ip.String()] = c
		if c != ClassPublic && !ep.Forbidden {
			ep.Forbidden = true
			ep.Reason = c
		}
	}
	return ep, nil
}

// DialApproved dials exactly the address the caller already approved via
// Resolve, binding the socket to that address rather than letting the
// standard dialer re-resolve the hostname — this is what makes the guard
// rebinding-safe: DNS cannot change between the check and the connect
// because there is no second lookup.
func (g *Guard) DialApproved(ctx context.Context, ip net.IP, port string) (net.Conn, error) {
	addr := net.JoinHostPort(ip.String(), port)
	return g.dialer.DialContext(ctx, "tcp", addr)
}
