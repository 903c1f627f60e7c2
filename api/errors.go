// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-net.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrTransportClosed   = errors.New("transport is closed")
	ErrConnectionClosing = errors.New("connection is closing")
	ErrNotActive         = errors.New("connection is not active")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrListenerFull      = errors.New("listener connection limit reached")
	ErrWaitTimeout       = errors.New("wait timed out")
	ErrSchedulerClosed   = errors.New("task scheduler is closed")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrNotFound          = errors.New("resource not found")
	ErrRoleMismatch      = errors.New("operation not supported by connection role")

	// ErrIncomplete marks a decode failure caused only by a buffer ending
	// mid-frame. Stream connections keep such a remainder for the next read.
	ErrIncomplete = errors.New("incomplete frame")
)

// UnauthorizedSenderError is raised when the authorization collaborator
// refuses a remote address. It is fatal to connection setup.
type UnauthorizedSenderError struct {
	Peer   string
	Reason string
}

func (e *UnauthorizedSenderError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unauthorized sender %s", e.Peer)
	}
	return fmt.Sprintf("unauthorized sender %s: %s", e.Peer, e.Reason)
}

// DecodeError reports a framing failure at a given offset of a buffer.
// Everything before Offset was decoded cleanly.
type DecodeError struct {
	Offset int
	Raw    []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ActionProcessingError wraps a failure returned (or panicked) by Action.Process.
type ActionProcessingError struct {
	Message *Message
	Err     error
}

func (e *ActionProcessingError) Error() string {
	return fmt.Sprintf("action processing failed: %v", e.Err)
}

func (e *ActionProcessingError) Unwrap() error { return e.Err }

// CorrelationKind classifies a correlation failure.
type CorrelationKind int

const (
	CorrelationUnknown CorrelationKind = iota
	CorrelationDuplicate
	CorrelationResolved
)

func (k CorrelationKind) String() string {
	switch k {
	case CorrelationUnknown:
		return "unknown correlation id"
	case CorrelationDuplicate:
		return "duplicate correlation id"
	case CorrelationResolved:
		return "correlation id already resolved"
	default:
		return "correlation error"
	}
}

// CorrelationError is surfaced to the caller awaiting (or resolving) a future.
type CorrelationError struct {
	Kind CorrelationKind
	ID   string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("%s: %q", e.Kind, e.ID)
}

// Is matches any CorrelationError with the same Kind, ignoring the id.
func (e *CorrelationError) Is(target error) bool {
	t, ok := target.(*CorrelationError)
	return ok && t.Kind == e.Kind && (t.ID == "" || t.ID == e.ID)
}

// DrainTimeoutError reports that a bounded drain ended with work outstanding.
// Closure still proceeded.
type DrainTimeoutError struct {
	Completed int
	Pending   int
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("drain timed out: %d completed, %d still pending", e.Completed, e.Pending)
}

// InvariantViolation signals a scheduler or counter bookkeeping bug such as a
// double completion. It is raised with panic, never returned.
type InvariantViolation struct {
	Component string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeTimeout
	ErrCodeNotSupported
	ErrCodeAlreadyExists
	ErrCodeNotFound
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Is lets structured errors match the sentinel of their code.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return target == ErrInvalidArgument
	case ErrCodeAlreadyExists:
		return target == ErrAlreadyExists
	case ErrCodeNotFound:
		return target == ErrNotFound
	case ErrCodeTimeout:
		return target == ErrWaitTimeout
	}
	return false
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
