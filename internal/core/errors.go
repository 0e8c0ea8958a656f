package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the error taxonomy surfaced on the HTTP API. Kinds are
// distinct categories, not Go types; a single Error carries one kind.
type ErrorKind string

const (
	KindAuthFailure      ErrorKind = "AuthFailure"
	KindPermissionDenied ErrorKind = "PermissionDenied"
	KindValidation       ErrorKind = "Validation"
	KindConflict         ErrorKind = "Conflict"
	KindNotFound         ErrorKind = "NotFound"
	KindUnavailable      ErrorKind = "Unavailable"
	KindTimeout          ErrorKind = "Timeout"
	KindInternal         ErrorKind = "Internal"
)

// Error is a kinded domain error.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E builds a kinded error.
func E(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef builds a kinded error with a formatted message.
func Ef(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause while preserving the kind.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// WithDetails attaches structured details for the error envelope.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from any error; unrecognised errors are Internal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
