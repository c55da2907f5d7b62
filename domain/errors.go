// Package domain defines the error taxonomy and result types shared by the
// gateway packages.
package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an Error. Kinds are stable strings because they are
// persisted on failed jobs and returned to HTTP clients.
type Kind string

// Error kinds.
const (
	KindNotFound              Kind = "not_found"
	KindAlreadyExists         Kind = "already_exists"
	KindInvalidInput          Kind = "invalid_input"
	KindExecution             Kind = "execution_error"
	KindTimeout               Kind = "timeout"
	KindStorage               Kind = "storage_error"
	KindParse                 Kind = "parse_error"
	KindIncompatibleExtension Kind = "incompatible_extension"
	KindUnavailable           Kind = "unavailable"
)

// Error is the error type returned by every gateway component.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Is reports whether target is a sentinel of the same kind, so that
// errors.Is(err, domain.ErrNotFound) works for any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrAlreadyExists         = &Error{Kind: KindAlreadyExists}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrExecution             = &Error{Kind: KindExecution}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrStorage               = &Error{Kind: KindStorage}
	ErrParse                 = &Error{Kind: KindParse}
	ErrIncompatibleExtension = &Error{Kind: KindIncompatibleExtension}
	ErrUnavailable           = &Error{Kind: KindUnavailable}
)

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error with a formatted message.
func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

// AlreadyExists creates a conflict error with a formatted message.
func AlreadyExists(format string, args ...interface{}) *Error {
	return newError(KindAlreadyExists, format, args...)
}

// InvalidInput creates a validation error with a formatted message.
func InvalidInput(format string, args ...interface{}) *Error {
	return newError(KindInvalidInput, format, args...)
}

// Execution creates an error for a failure reported by the storage engine.
func Execution(format string, args ...interface{}) *Error {
	return newError(KindExecution, format, args...)
}

// Timeout creates a timeout error with a formatted message.
func Timeout(format string, args ...interface{}) *Error {
	return newError(KindTimeout, format, args...)
}

// Storage creates an I/O error with a formatted message.
func Storage(format string, args ...interface{}) *Error {
	return newError(KindStorage, format, args...)
}

// Parse creates a parse error with a formatted message.
func Parse(format string, args ...interface{}) *Error {
	return newError(KindParse, format, args...)
}

// IncompatibleExtension creates an error for an extension that failed to load.
func IncompatibleExtension(format string, args ...interface{}) *Error {
	return newError(KindIncompatibleExtension, format, args...)
}

// Unavailable creates an error for a component that is shutting down or
// otherwise not accepting work.
func Unavailable(format string, args ...interface{}) *Error {
	return newError(KindUnavailable, format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsError converts err into an *Error, classifying unknown errors as
// fallback.
func AsError(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Message: err.Error()}
}
