// Package apperr defines the error taxonomy shared by every POS service.
//
// An Error carries a Kind (the recovery class, which fixes the HTTP status),
// a stable numeric service code, and a human-readable message. No stack
// traces or wrapped internals ever cross the API boundary; handlers map an
// Error to the response envelope and log the rest.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how the caller recovers from it.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
	KindConflict
	KindInvalidState
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidState:
		return "invalid_state"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

// HTTPStatus maps a Kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidState:
		return http.StatusConflict
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Service code ranges. Codes are stable identifiers; the concrete code is
// range base + kind offset unless a caller supplies an explicit one.
const (
	CodeAccountBase  = 10000
	CodeTerminalBase = 20000
	CodeMasterBase   = 30000
	CodeCartBase     = 40000
	CodeStockBase    = 60000
)

// Error is the canonical service error.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error // wrapped cause, never serialized
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is against a
// bare-kind sentinel such as apperr.NotFound("", "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == 0 || e.Code == t.Code)
}

// New builds an Error with an explicit code.
func New(kind Kind, code int, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error.
func Wrap(err error, kind Kind, code int, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Authentication(code int, format string, args ...any) *Error {
	return New(KindAuthentication, code, format, args...)
}

func Authorization(code int, format string, args ...any) *Error {
	return New(KindAuthorization, code, format, args...)
}

func Validation(code int, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

func NotFound(code int, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

func Conflict(code int, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

func InvalidState(code int, format string, args ...any) *Error {
	return New(KindInvalidState, code, format, args...)
}

func Dependency(code int, format string, args ...any) *Error {
	return New(KindDependency, code, format, args...)
}

func Internal(code int, format string, args ...any) *Error {
	return New(KindInternal, code, format, args...)
}

// KindOf extracts the Kind from any error; non-Error values are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the service code from any error, 0 when absent.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// MessageOf returns the user-visible message for any error. Non-Error values
// collapse to a generic message so internals never leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
