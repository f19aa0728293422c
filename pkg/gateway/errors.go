// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Domain errors. Every failure is converted to one of these before it
// crosses the client boundary.
var (
	// ErrAccessDenied indicates the access policy rejected the request.
	// It is surfaced to the client and never retried.
	ErrAccessDenied = errors.New("access denied")

	// ErrBackendUnavailable indicates no healthy connection exists for the
	// target backend. Callers may retry after backing off.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTimeout indicates the request deadline expired, either while queued
	// or while the backend was working on it.
	ErrTimeout = errors.New("request timed out")

	// ErrBackendApplication indicates the backend itself returned a domain
	// error. See ApplicationError.
	ErrBackendApplication = errors.New("backend returned an error")

	// ErrConfigInvalid indicates a configuration snapshot was rejected.
	// The previously active snapshot stays in effect.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrInstallFailure indicates a backend could not be resolved to a
	// launchable command or endpoint. Clients observe it as ErrBackendUnavailable.
	ErrInstallFailure = errors.New("backend could not be launched")

	// ErrInvalidRequest indicates a malformed client request.
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrorKind is the tag attached to errors sent to clients.
type ErrorKind string

// Error kinds.
const (
	KindAccessDenied       ErrorKind = "access_denied"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindTimeout            ErrorKind = "timeout"
	KindBackendError       ErrorKind = "backend_error"
	KindConfigInvalid      ErrorKind = "config_invalid"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindInternal           ErrorKind = "internal"
)

// ApplicationError carries an error produced by the backend itself. It is
// passed through to the client verbatim and is never counted against the
// backend's health.
type ApplicationError struct {
	Backend string
	Message string
	// Payload is the backend's result, e.g. a CallToolResult with IsError set.
	Payload json.RawMessage
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("backend %s: %s", e.Backend, e.Message)
}

// Unwrap makes errors.Is(err, ErrBackendApplication) hold.
func (*ApplicationError) Unwrap() error {
	return ErrBackendApplication
}

// Error is the client-facing form of a gateway failure. Its message never
// contains raw transport or process errors.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap maps the kind back to its sentinel so errors.Is keeps working
// after an error has been converted at the boundary.
func (e *Error) Unwrap() error {
	return sentinelFor(e.Kind)
}

// KindOf classifies err into the taxonomy. It returns "" for a nil error.
func KindOf(err error) ErrorKind {
	var boundary *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &boundary):
		return boundary.Kind
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrConfigInvalid):
		return KindConfigInvalid
	case errors.Is(err, ErrBackendApplication):
		return KindBackendError
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrInstallFailure):
		return KindBackendUnavailable
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

// Boundary converts an internal error into its client-facing form.
// Application errors are returned unchanged so their payload reaches the
// client untouched.
func Boundary(err error) error {
	if err == nil {
		return nil
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr
	}
	var boundary *Error
	if errors.As(err, &boundary) {
		return boundary
	}
	kind := KindOf(err)
	msg := kind.message()
	if kind == KindAccessDenied || kind == KindInvalidRequest || kind == KindConfigInvalid {
		// These are produced by the gateway itself and safe to show.
		msg = err.Error()
	}
	return &Error{Kind: kind, Message: msg}
}

func (k ErrorKind) message() string {
	if s := sentinelFor(k); s != nil {
		return s.Error()
	}
	return "internal gateway error"
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindAccessDenied:
		return ErrAccessDenied
	case KindBackendUnavailable:
		return ErrBackendUnavailable
	case KindTimeout:
		return ErrTimeout
	case KindBackendError:
		return ErrBackendApplication
	case KindConfigInvalid:
		return ErrConfigInvalid
	case KindInvalidRequest:
		return ErrInvalidRequest
	default:
		return nil
	}
}
