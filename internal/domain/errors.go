package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an entity id is unknown to storage.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed input at the boundary.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// ConflictError rejects an illegal state transition, such as starting a
// campaign that is already running.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string { return e.Detail }

// ProtocolError rejects a malformed or unknown wire envelope.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string { return e.Detail }

// FatalError aborts a whole campaign run: pool initialization exhaustion,
// storage unavailable. It is never retried.
type FatalError struct {
	Detail string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *FatalError) Unwrap() error { return e.Err }

// Conflictf builds a ConflictError.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Detail: fmt.Sprintf(format, args...)}
}

// Invalidf builds a ValidationError.
func Invalidf(format string, args ...any) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// ErrorCode maps an error to the stable code surfaced in HTTP bodies and
// WebSocket result envelopes.
func ErrorCode(err error) string {
	var ve *ValidationError
	var ce *ConflictError
	var pe *ProtocolError
	var fe *FatalError
	switch {
	case errors.As(err, &ve):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &pe):
		return "protocol_error"
	case errors.As(err, &fe):
		return "fatal"
	default:
		return "internal"
	}
}
