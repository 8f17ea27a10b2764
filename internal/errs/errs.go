// Package errs defines the domain error-kind taxonomy shared across
// conduit's subsystems, mapped to HTTP status codes at the API edge.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain error independent of which subsystem raised it.
type Kind string

const (
	KindBadRequest     Kind = "bad_request"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindForbidden      Kind = "forbidden"
	KindProcessError   Kind = "process_error"
	KindTimeout        Kind = "timeout"
	KindTransitionErr  Kind = "transition_error"
	KindInternal       Kind = "internal"
)

// Error is a typed domain error carrying a Kind for status-code mapping
// and logging, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind onto the status code the spec's HTTP
// surface is required to return.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func BadRequest(format string, args ...any) *Error {
	return New(KindBadRequest, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, fmt.Sprintf(format, args...))
}

func ProcessError(err error, format string, args ...any) *Error {
	return Wrap(KindProcessError, fmt.Sprintf(format, args...), err)
}

func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, fmt.Sprintf(format, args...))
}

func TransitionError(format string, args ...any) *Error {
	return New(KindTransitionErr, fmt.Sprintf(format, args...))
}

func Internal(err error, format string, args ...any) *Error {
	return Wrap(KindInternal, fmt.Sprintf(format, args...), err)
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// KindInternal otherwise — every unclassified error surfaces as a 500.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
