// Package orcherr implements the orchestrator-internal error taxonomy:
// ValidationError, EngineError, StateError, CoordinationError, StorageError.
//
// These are classification wrappers, not a replacement for Go's error
// values — callers use errors.As to recover the typed form when they need
// to decide retryability or HTTP status mapping.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// KindValidation marks inputs that fail preconditions. Surfaced to the
	// caller synchronously; never retried; no side effects.
	KindValidation Kind = "validation"
	// KindEngine marks cryptographic-engine RPC failures. Retried up to
	// engine.retry.max; once exhausted the chunk is reported FAILED and the
	// scheduler's chunk-level retry takes over.
	KindEngine Kind = "engine"
	// KindState marks an expected row missing or in the wrong state. Not
	// retryable; promotes the chunk to FAILED.
	KindState Kind = "state"
	// KindCoordination marks atomic-store (lock/counter/flag) unavailability.
	// Fails closed.
	KindCoordination Kind = "coordination"
	// KindStorage marks persistent-store write failures. Retried implicitly
	// by queue redelivery; workers must be idempotent.
	KindStorage Kind = "storage"
)

// Error is a classified, wrapped orchestrator error.
type Error struct {
	Kind      Kind
	Op        string // the operation that failed, e.g. "register_task"
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, retryable bool, err error) *Error {
	return &Error{Kind: kind, Op: op, Retryable: retryable, Err: err}
}

// Validation wraps err as a non-retryable ValidationError.
func Validation(op string, err error) error { return newErr(KindValidation, op, false, err) }

// Validationf builds a ValidationError from a format string.
func Validationf(op, format string, args ...any) error {
	return newErr(KindValidation, op, false, fmt.Errorf(format, args...))
}

// Engine wraps err as an EngineError, retryable unless noted otherwise by
// the caller (a non-null protocol error from §4.5 is not retryable).
func Engine(op string, retryable bool, err error) error {
	return newErr(KindEngine, op, retryable, err)
}

// State wraps err as a non-retryable StateError.
func State(op string, err error) error { return newErr(KindState, op, false, err) }

// Statef builds a StateError from a format string.
func Statef(op, format string, args ...any) error {
	return newErr(KindState, op, false, fmt.Errorf(format, args...))
}

// Coordination wraps err as a CoordinationError (KV store unavailable,
// fail-closed semantics for the caller).
func Coordination(op string, err error) error { return newErr(KindCoordination, op, false, err) }

// Storage wraps err as a StorageError (retried implicitly via redelivery).
func Storage(op string, err error) error { return newErr(KindStorage, op, true, err) }

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether err, if an *Error, is marked retryable. Errors
// that aren't classified are treated as non-retryable.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
