// Package apperr defines the typed error kinds surfaced by the pairing and
// messaging components. Callers branch on the code (via errors.Is against the
// exported sentinels, or CodeOf) instead of matching error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error kind.
type Code string

const (
	CodeAlreadyPaired  Code = "ALREADY_PAIRED"  // subject already has an accepted pairing
	CodeRequestPending Code = "REQUEST_PENDING" // a non-rejected pairing already exists for the pair
	CodeNotFound       Code = "NOT_FOUND"       // referenced record does not exist
	CodeEmptyBody      Code = "EMPTY_BODY"      // message with no content and no attachment
	CodeNotPaired      Code = "NOT_PAIRED"      // no accepted pairing between the two users
	CodeUnauthorized   Code = "UNAUTHORIZED"    // caller is not a party to the record
	CodeUnavailable    Code = "UNAVAILABLE"     // transient storage failure, retries exhausted
)

// Error is the concrete error type carrying a code, a human-readable message
// and an optional wrapped cause.
type Error struct {
	Code    Code
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

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound)
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New builds an error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an error with the given code and message wrapping a cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Domain sentinels. Compare with errors.Is.
var (
	ErrAlreadyPaired  = New(CodeAlreadyPaired, "subject already has an accepted pairing")
	ErrRequestPending = New(CodeRequestPending, "a request is already pending or accepted for this pair")
	ErrNotFound       = New(CodeNotFound, "record not found")
	ErrEmptyBody      = New(CodeEmptyBody, "message needs content or an attachment")
	ErrNotPaired      = New(CodeNotPaired, "no accepted pairing between these users")
	ErrUnauthorized   = New(CodeUnauthorized, "caller is not a party to this record")
)

// Unavailable wraps a transient failure that survived the retry budget.
func Unavailable(cause error) error {
	return Wrap(CodeUnavailable, "storage temporarily unavailable", cause)
}

// CodeOf extracts the code from err, or empty string for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsDomain reports whether err is one of the expected, user-facing outcomes
// that must never be retried.
func IsDomain(err error) bool {
	switch CodeOf(err) {
	case CodeAlreadyPaired, CodeRequestPending, CodeNotFound,
		CodeEmptyBody, CodeNotPaired, CodeUnauthorized:
		return true
	}
	return false
}
