// Package failure defines the settlement error taxonomy. Every rejected
// operation carries a Kind and a reason string the front-end can show verbatim.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kind values are themselves errors so callers can
// write errors.Is(err, failure.NotFound).
type Kind string

const (
	InvalidInput          Kind = "invalid_input"
	Unauthorized          Kind = "unauthorized"
	NotFound              Kind = "not_found"
	AlreadyProcessed      Kind = "already_processed"
	RateLimited           Kind = "rate_limited"
	InsufficientFunds     Kind = "insufficient_funds"
	AmountTooSmall        Kind = "amount_too_small"
	NetworkFailure        Kind = "network_failure"
	Timeout               Kind = "timeout"
	InternalInconsistency Kind = "internal_inconsistency"
	Internal              Kind = "internal"
)

func (k Kind) Error() string { return string(k) }

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches both another *Error of the same kind and a bare Kind.
// Timeout also matches NetworkFailure.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t || (t == NetworkFailure && e.Kind == Timeout)
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// New builds a failure with a formatted reason.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a reason.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified failure in err's chain, or
// Internal for unclassified errors. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// Reason returns the user-facing reason for err. Unclassified errors return a
// generic message since their text may carry internal detail.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return "unexpected internal error"
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
