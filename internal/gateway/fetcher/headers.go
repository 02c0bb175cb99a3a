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

package fetcher

import "strings"

// hopByHopHeaders are stripped on every forward (spec.md §6.3). Matching is
// case-insensitive; "Proxy-*" is matched by prefix.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
	"trailer":           true,
	"host":              true,
}

// sensitiveHeaders are additionally dropped on a cross-origin redirect
// (spec.md §4.4 step 4, §6.3), following the same "strip the credential
// header whose target origin changed" idiom as
// majorcontext-moat/internal/proxy's FilterHeaders (there: redact for
// logging; here: drop before forwarding).
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
}

// filterForwardHeaders returns the subset of headers safe to forward
// upstream, dropping hop-by-hop/ambient headers and any "Proxy-*" header.
// Order is preserved for headers that survive.
func filterForwardHeaders(headers [][2]string) [][2]string {
	out := make([][2]string, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h[0])
		if hopByHopHeaders[name] || strings.HasPrefix(name, "proxy-") {
			continue
		}
		out = append(out, h)
	}
	return out
}

// stripSensitiveOnCrossOrigin additionally drops Authorization/Cookie when
// the redirect target's origin (scheme, host and port) differs from that of
// the URL that issued the redirect.
func stripSensitiveOnCrossOrigin(headers [][2]string, sameOrigin bool) [][2]string {
	if sameOrigin {
		return headers
	}
	out := make([][2]string, 0, len(headers))
	for _, h := range headers {
		if sensitiveHeaders[strings.ToLower(h[0])] {
			continue
		}
		out = append(out, h)
	}
	return out
}
