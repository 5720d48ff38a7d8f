// Package admperr carries the hub's domain error taxonomy. Services return
// *Error values; the HTTP adapter maps Kind to a status code in one place
// and renders the code/message pair to clients. Infrastructure failures are
// wrapped as KindInternal so callers never switch on backend error strings.
package admperr

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindGone
	KindTooLarge
	KindRateLimited
)

// Error is the hub's domain error. Code is a stable machine-readable
// identifier (for example SIGNATURE_INVALID); Message is human-readable.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of an arbitrary kind.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

func Unauthorized(code, format string, args ...any) *Error {
	return New(KindUnauthorized, code, format, args...)
}

func Forbidden(code, format string, args ...any) *Error {
	return New(KindForbidden, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

func Gone(code, format string, args ...any) *Error {
	return New(KindGone, code, format, args...)
}

func TooLarge(code, format string, args ...any) *Error {
	return New(KindTooLarge, code, format, args...)
}

func RateLimited(code, format string, args ...any) *Error {
	return New(KindRateLimited, code, format, args...)
}

// Internal wraps an infrastructure failure. The cause is preserved for
// logs but never rendered to clients.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: "internal error", cause: err}
}

// KindOf extracts the Kind from any error. Unclassified errors are
// internal by definition.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code, or INTERNAL for unclassified errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "INTERNAL"
}
