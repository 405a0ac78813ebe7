// Package apperr defines the error-kind taxonomy shared by every Speakeasy
// component, so callers can branch on errors.Is/As instead of string
// matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories every component propagates.
type Kind string

const (
	BadRequest     Kind = "bad_request"
	Unauthenticated Kind = "unauthenticated"
	Forbidden      Kind = "forbidden"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	Unavailable    Kind = "unavailable"
	Internal       Kind = "internal"
	Timeout        Kind = "timeout"
)

// Error wraps a cause with a taxonomy Kind and an optional structured
// reason (e.g. "full", "cycle") used by callers that need to discriminate
// within a Kind without parsing the message.
type Error struct {
	Kind   Kind
	Reason string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		if e.Reason != "" {
			return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Reason)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error for op, optionally wrapping cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// WithReason attaches a short machine-checkable reason string (e.g. "full",
// "cycle") distinct from the human message.
func WithReason(op string, kind Kind, reason string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Reason: reason, Err: cause}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ReasonOf returns the Reason carried by err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// KindOf returns the Kind carried by err, defaulting to Internal when err
// carries no taxonomy tag (an invariant was violated somewhere that forgot
// to classify its own failure).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether the propagation policy in spec §7 calls for
// internal retry at the component boundary (Unavailable and Timeout).
func Retryable(err error) bool {
	k := KindOf(err)
	return k == Unavailable || k == Timeout
}
