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

// Package gwerr defines the stable error code taxonomy surfaced to the guest
// in a response envelope's error.code field and used verbatim as the audit
// record's reason. Every fetcher, codec, and policy failure maps to exactly
// one Code; denials never surface as CodeInternal.
package gwerr

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-visible error identifier. Codes are part of the
// guest-facing contract: renaming one is a breaking change.
type Code string

const (
	CodeDeniedByPolicy     Code = "denied_by_policy"
	CodeSSRFBlocked        Code = "ssrf_blocked"
	CodeRedirectBlocked    Code = "redirect_blocked"
	CodeConstraintViolated Code = "constraint_violation"
	CodeInvalidMethod      Code = "invalid_method"
	CodeInvalidURL         Code = "invalid_url"
	CodeInvalidFrame       Code = "invalid_frame"
	CodeUpstreamTimeout    Code = "upstream_timeout"
	CodeUpstreamTLS        Code = "upstream_tls"
	CodeUpstreamIO         Code = "upstream_io"
	CodeClientAborted      Code = "client_aborted"
	CodeInternal           Code = "internal"
)

// Error is the typed error value carried through the fetcher/policy/codec
// pipeline. Message may include redacted diagnostic detail but must never
// contain request bodies, cookies, or tokens.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that wraps an underlying cause, preserving it for
// errors.Is/errors.As while keeping the stable Code as the outward contract.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the stable Code from err, defaulting to CodeInternal for
// unclassified errors. Denials are never produced by this path — every
// caller in this tree constructs its denials explicitly with New/Wrap.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// MessageOf extracts the human-readable message, falling back to err.Error().
func MessageOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}
