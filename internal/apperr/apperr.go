// Package apperr classifies errors into the kinds the rest of the
// service needs to branch on: which ones a handler should turn into a
// user-visible envelope, which ones a background loop should log and
// retry, and which one should kill the process.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation purposes (spec §7).
type Kind int

const (
	// KindClientValidation covers bad input: malformed user_id, bad
	// URL, out-of-range date. Recovered into a user-visible envelope.
	KindClientValidation Kind = iota + 1
	// KindNotFound covers missing account/invite lookups.
	KindNotFound
	// KindConflict covers "already exists"/"already accepted" cases.
	KindConflict
	// KindUpstream covers imageboard/FCM HTTP non-200s and malformed
	// response bodies. Logged and retried by background loops; never
	// surfaced to an HTTP client directly.
	KindUpstream
	// KindTransient covers database unavailability and pool
	// exhaustion. Logged and retried on the next cycle.
	KindTransient
	// KindFatal covers a migration checksum mismatch. The process
	// terminates; this kind never reaches a handler.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindClientValidation:
		return "client_validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a kinded error carrying a short, user-safe message distinct
// from the wrapped cause (which may contain internal detail).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a kinded error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a kinded error that wraps cause, keeping cause out
// of the user-visible Message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ClientValidation is a convenience constructor for the most common kind.
func ClientValidation(format string, args ...any) *Error {
	return New(KindClientValidation, fmt.Sprintf(format, args...))
}

// NotFound is a convenience constructor.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// Conflict is a convenience constructor.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

// Upstream is a convenience constructor.
func Upstream(cause error, format string, args ...any) *Error {
	return Wrap(KindUpstream, fmt.Sprintf(format, args...), cause)
}

// Transient is a convenience constructor.
func Transient(cause error, format string, args ...any) *Error {
	return Wrap(KindTransient, fmt.Sprintf(format, args...), cause)
}

// Fatal is a convenience constructor.
func Fatal(cause error, format string, args ...any) *Error {
	return Wrap(KindFatal, fmt.Sprintf(format, args...), cause)
}

// KindOf extracts the Kind from err, returning ok=false if err is not
// (or does not wrap) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
