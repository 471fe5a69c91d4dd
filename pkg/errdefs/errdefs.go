package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry policy and HTTP mapping
type Kind string

const (
	KindValidation       Kind = "Validation"
	KindAuthRequired     Kind = "AuthRequired"
	KindPermissionDenied Kind = "PermissionDenied"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindTransient        Kind = "Transient"
	KindPermanent        Kind = "Permanent"
)

// Error is a typed error carrying a Kind from the taxonomy
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

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func AuthRequired(format string, args ...any) *Error {
	return New(KindAuthRequired, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func Transient(format string, args ...any) *Error {
	return New(KindTransient, format, args...)
}

func Permanent(format string, args ...any) *Error {
	return New(KindPermanent, format, args...)
}

// KindOf returns the kind of an error, defaulting to Permanent for
// untyped errors so that unknown failures are never silently retried.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanent
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsValidation(err error) bool       { return IsKind(err, KindValidation) }
func IsAuthRequired(err error) bool     { return IsKind(err, KindAuthRequired) }
func IsPermissionDenied(err error) bool { return IsKind(err, KindPermissionDenied) }
func IsNotFound(err error) bool         { return IsKind(err, KindNotFound) }
func IsConflict(err error) bool         { return IsKind(err, KindConflict) }
func IsTransient(err error) bool        { return IsKind(err, KindTransient) }
func IsPermanent(err error) bool        { return IsKind(err, KindPermanent) }

// HTTPStatus maps a kind to the status code used by the API edge
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// TypeName is the wire name of a kind in the error envelope
func TypeName(kind Kind) string {
	return string(kind) + "Exception"
}
