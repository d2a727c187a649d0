package types

import (
	"errors"
	"fmt"
)

// Kind classifies errors crossing component boundaries.
// Kinds are values, not exception types: callers branch on the kind,
// the message is for humans.
type Kind string

const (
	KindValidation  Kind = "validation"        // bad input, caller-fixable
	KindNotFound    Kind = "not_found"         // missing instance/service/backup
	KindConflict    Kind = "conflict"          // diverging re-register, duplicate active execution
	KindUnavailable Kind = "unavailable"       // no healthy instance, breakers open, cluster degraded
	KindTimeout     Kind = "timeout"
	KindIntegrity   Kind = "integrity_failure" // checksum mismatch, unreadable backup
	KindAdapter     Kind = "adapter_failure"   // external system error
	KindCancelled   Kind = "cancelled"
)

// Error is the structured error carried across the core's boundaries
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a caller may retry the operation
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUnavailable, KindTimeout, KindAdapter:
		return true
	default:
		return false
	}
}

// E constructs a kinded error
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a kinded error wrapping an underlying cause
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain; unclassified errors
// report KindAdapter
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindAdapter
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
