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

// Package codec implements the symmetric wire framing from spec.md §4.1/§6.2:
// a 4-byte big-endian length prefix followed by that many bytes of UTF-8
// JSON. One request/response turn per frame pair; no pipelining within a
// connection.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"pep/internal/gateway/gwerr"
)

// HeaderOverhead is added on top of the configured request cap to bound the
// maximum frame length (spec.md §4.1 default 64 KiB of slack for JSON
// envelope/header overhead around the base64-encoded body).
const HeaderOverhead = 64 << 10

// HeaderPair is an ordered [name, value] pair, preserved in array form so
// JSON round-trips keep header order (spec.md §8 round-trip property).
type HeaderPair [2]string

// Request is the wire shape of a guest request (spec.md §6.2).
type Request struct {
	Method     string       `json:"method"`
	URL        string       `json:"url"`
	Headers    []HeaderPair `json:"headers"`
	BodyBase64 *string      `json:"body_base64"`
}

// Response is the wire shape of a gateway response (spec.md §6.2).
type Response struct {
	Status     int          `json:"status"`
	Headers    []HeaderPair `json:"headers"`
	BodyBase64 *string      `json:"body_base64"`
	Error      *WireError   `json:"error"`
}

// WireError is the error object embedded in a failure Response.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse builds the canonical failure envelope for a gwerr.Code
// (spec.md §4.1: "On error, status=0, headers=[], body_base64=null").
func ErrorResponse(code gwerr.Code, message string) *Response {
	return &Response{
		Status:     0,
		Headers:    []HeaderPair{},
		BodyBase64: nil,
		Error:      &WireError{Code: string(code), Message: message},
	}
}

// maxFrameLen is configured per Codec instance from the active policy's
// request cap plus HeaderOverhead (spec.md §4.1).
type Codec struct {
	rw          io.ReadWriter
	maxFrameLen uint32
}

// New wraps a bidirectional byte stream (a Unix socket, a loopback TCP
// connection, or a vsock-to-TCP bridge — spec.md §6.1 leaves the transport
// to the deployment) with length-prefixed JSON framing.
func New(rw io.ReadWriter, maxFrameLen uint32) *Codec {
	return &Codec{rw: rw, maxFrameLen: maxFrameLen}
}

// ReadRequest reads one framed request. A malformed frame, truncated
// stream, or invalid JSON returns an *gwerr.Error with CodeInvalidFrame;
// callers must treat any such error as connection-terminating (spec.md §4.1).
func (c *Codec) ReadRequest() (*Request, error) {
	payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, gwerr.Wrap(gwerr.CodeInvalidFrame, "malformed request JSON", err)
	}
	if req.Headers == nil {
		req.Headers = []HeaderPair{}
	}
	return &req, nil
}

// WriteResponse frames and writes one response. Responses are never subject
// to maxFrameLen (the gateway is the only side permitted to emit an
// oversized frame, since it already enforced the response cap while
// streaming); the limit exists to bound what an untrusted guest may send us.
func (c *Codec) WriteResponse(resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return gwerr.Wrap(gwerr.CodeInternal, "failed to marshal response", err)
	}
	return c.writeFrame(payload)
}

// WriteRequest frames and writes one request. It is the guest side of the
// symmetric framing this package implements; the gateway only calls
// ReadRequest, but test harnesses and the guest-facing client library use
// this to drive the protocol from the other end.
func (c *Codec) WriteRequest(req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return gwerr.Wrap(gwerr.CodeInternal, "failed to marshal request", err)
	}
	return c.writeFrame(payload)
}

// ReadResponse reads one framed response, the guest side counterpart to
// WriteResponse.
func (c *Codec) ReadResponse() (*Response, error) {
	payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, gwerr.Wrap(gwerr.CodeInvalidFrame, "malformed response JSON", err)
	}
	return &resp, nil
}

func (c *Codec) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err // clean close between turns; caller checks for io.EOF specially
		}
		return nil, gwerr.Wrap(gwerr.CodeInvalidFrame, "truncated frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > c.maxFrameLen {
		return nil, gwerr.New(gwerr.CodeInvalidFrame, fmt.Sprintf("frame length %d exceeds maximum %d", n, c.maxFrameLen))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, gwerr.Wrap(gwerr.CodeInvalidFrame, "truncated frame body", err)
	}
	return payload, nil
}

func (c *Codec) writeFrame(payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.rw.Write(lenBuf[:]); err != nil {
		return gwerr.Wrap(gwerr.CodeUpstreamIO, "write frame length", err)
	}
	if _, err := c.rw.Write(payload); err != nil {
		return gwerr.Wrap(gwerr.CodeUpstreamIO, "write frame body", err)
	}
	return nil
}
