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

import (
	"io"

	"pep/internal/gateway/gwerr"
)

// compressedWindow is the size spec.md §4.4 checks decompression-bomb
// expansion over: "fail if any 64 KiB compressed window would expand past
// the cap".
const compressedWindow = 64 << 10

// countingReader tracks the number of raw (possibly still-compressed)
// bytes consumed from the upstream connection.
type countingReader struct {
	src   io.Reader
	count int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	c.count += int64(n)
	return n, err
}

// capReader enforces the response cap during streaming (spec.md §4.4): it
// aborts the moment accumulated decoded bytes exceed the cap, before
// buffering the whole body, and applies the decompression-bomb window
// check when the body is compressed. It never buffers more than it is
// asked to Read — the "streaming, not download-then-check" design spec.md
// §9 insists on.
type capReader struct {
	decoded    io.Reader      // the (possibly decompressing) body reader
	compressed *countingReader // nil when the body was not compressed
	cap        int64

	decodedTotal         int64
	decodedAtWindowStart int64
	compressedAtWindow   int64
}

// newCapReader wraps decoded (the stream the caller ultimately reads from:
// identity body or a gzip/flate decoder on top of compressed) with cap
// enforcement. compressed is the counting reader sitting under any
// decompressor, or nil if the response was not compressed.
func newCapReader(decoded io.Reader, compressed *countingReader, cap int64) *capReader {
	return &capReader{decoded: decoded, compressed: compressed, cap: cap}
}

func (r *capReader) Read(p []byte) (int, error) {
	n, err := r.decoded.Read(p)
	r.decodedTotal += int64(n)

	if r.decodedTotal > r.cap {
		return n, gwerr.New(gwerr.CodeConstraintViolated, "response body exceeds configured cap")
	}

	if r.compressed != nil {
		consumed := r.compressed.count
		if consumed-r.compressedAtWindow >= compressedWindow {
			decodedInWindow := r.decodedTotal - r.decodedAtWindowStart
			r.compressedAtWindow = consumed
			r.decodedAtWindowStart = r.decodedTotal
			if decodedInWindow > r.cap {
				return n, gwerr.New(gwerr.CodeConstraintViolated, "decompression expansion ratio exceeds cap within a single compressed window")
			}
		}
	}

	return n, err
}
