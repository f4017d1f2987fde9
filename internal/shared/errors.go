package shared

import (
	"errors"
)

// Kind classifies engine failures so callers can decide how to react.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindStateConflict       Kind = "state_conflict"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindInvariantViolation  Kind = "invariant_violation"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Error is a typed engine error carrying a stable code.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

// NewError builds a sentinel error.
func NewError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Msg
}

// KindOf reports the kind of the first typed error in the chain.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, or "INTERNAL".
func CodeOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return "INTERNAL"
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConcurrencyConflict
}

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = NewError(KindNotFound, "NOT_FOUND", "not found")
	// ErrInvalidInput wraps struct validation failures.
	ErrInvalidInput = NewError(KindValidation, "INVALID_INPUT", "invalid input")
	// ErrCompanyRequired indicates a missing tenant scope.
	ErrCompanyRequired = NewError(KindValidation, "COMPANY_REQUIRED", "company id required")
	// ErrCrossCompany indicates a reference into another tenant.
	ErrCrossCompany = NewError(KindValidation, "CROSS_COMPANY", "reference belongs to another company")
	// ErrSerialization indicates the storage aborted the unit of work.
	ErrSerialization = NewError(KindConcurrencyConflict, "SERIALIZATION_FAILURE", "concurrent update, retry")
	// ErrLockTimeout indicates a critical section could not be entered in time.
	ErrLockTimeout = NewError(KindConcurrencyConflict, "LOCK_TIMEOUT", "lock wait timed out")
	// ErrIdempotencyMismatch indicates a key reused with a different request.
	ErrIdempotencyMismatch = NewError(KindValidation, "IDEMPOTENCY_MISMATCH", "idempotency key reused with a different request")
)
