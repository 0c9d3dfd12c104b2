// Package errors defines the domain error taxonomy shared by the token
// broker, the Graph client, and the tool dispatcher. A *Error carries a
// stable machine-readable code that travels verbatim into response
// envelopes; anything that is not a *Error collapses to internal_error at
// the dispatch boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes. These are wire values: they appear unchanged in the error
// field of response envelopes.
const (
	CodeAuthRequired      = "auth_required"
	CodeAuthExpired       = "auth_expired"
	CodeInvalidGrant      = "invalid_grant"
	CodeMalformedResponse = "malformed_response"
	CodeUpstreamTransient = "upstream_transient"
	CodeUpstreamTerminal  = "upstream_error"
	CodeTimeout           = "timeout"
	CodeValidation        = "validation_error"
	CodeNotFound          = "not_found"
	CodeInvalidRequest    = "invalid_request"
	CodeInternal          = "internal_error"
)

// Error is a domain error with a stable code and an optional structured
// details payload. The wrapped cause (if any) is for logs only and never
// reaches a caller-facing envelope.
type Error struct {
	Code    string
	Message string
	Details any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error that records err as its cause.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails returns a copy of e carrying the given details payload.
func (e *Error) WithDetails(details any) *Error {
	clone := *e
	clone.Details = details

	return &clone
}

// From extracts the *Error from err's chain, or nil if there is none.
func From(err error) *Error {
	var de *Error
	if stderrors.As(err, &de) {
		return de
	}

	return nil
}

// HasCode reports whether err is a domain error with the given code.
func HasCode(err error, code string) bool {
	de := From(err)
	return de != nil && de.Code == code
}
