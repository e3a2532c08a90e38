// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosk

import (
	"errors"
	"fmt"
)

// Kind labels the class of a failure. Callers branch on it, the producer never decides retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork      // no response reached us (refused, reset, timeout)
	KindAuth         // 401/403
	KindServer       // 5xx, 408, 429
	KindClient       // other 4xx or success=false envelope
	KindMalformed    // response could not be decoded or failed validation
	KindStorage      // local persistence failure
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindMalformed:
		return "malformed"
	case KindStorage:
		return "storage"
	}
	return "unknown"
}

var (
	// ErrAuthUnavailable is returned when no usable token can be obtained right now
	ErrAuthUnavailable = errors.New("authentication unavailable")
	// ErrNotFound is returned for lookups of rows that do not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalid marks input rejected by local validation
	ErrInvalid = errors.New("invalid input")
)

// Error is a classified failure
type Error struct {
	Kind    Kind
	Op      string // e.g. "GET /channels", "sync categories"
	Status  int    // HTTP status, 0 when no response
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain. Anything wrapping
// ErrAuthUnavailable is KindAuth, whatever made the handshake fail.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrAuthUnavailable) {
		return KindAuth
	}
	return CauseKind(err)
}

// CauseKind returns the Kind of the first *Error in err's chain, ignoring
// ErrAuthUnavailable. It tells why a handshake failed.
func CauseKind(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// StatusOf returns the HTTP status attached to err, or 0.
func StatusOf(err error) int {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Status
	}
	return 0
}

// StorageError wraps a local persistence failure
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// Invalid builds a client-side validation error wrapping ErrInvalid
func Invalid(op, format string, args ...any) error {
	return &Error{Kind: KindClient, Op: op, Message: fmt.Sprintf(format, args...), Err: ErrInvalid}
}
