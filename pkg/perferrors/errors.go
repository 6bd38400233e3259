// Package perferrors provides a structured error taxonomy for the
// performance calculation engine: NotFound, Validation, Transport,
// Serialization, BusinessRule, and Internal, matching the error kinds
// the engine's components are specified to distinguish.
package perferrors

import (
	"errors"
	"fmt"
)

// Code identifies which of the engine's error kinds an error belongs to.
type Code string

const (
	CodeNotFound      Code = "NOT_FOUND"
	CodeValidation    Code = "VALIDATION"
	CodeTransport     Code = "TRANSPORT"
	CodeSerialization Code = "SERIALIZATION"
	CodeBusinessRule  Code = "BUSINESS_RULE"
	CodeInternal      Code = "INTERNAL"
)

// Error is a structured error carrying a Code, a human-readable message,
// optional details, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair and returns the same error for chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newErr(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapErr(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound builds a NotFound error naming the missing resource kind and id.
func NotFound(kind, id string) *Error {
	return newErr(CodeNotFound, "resource not found").
		WithDetails("kind", kind).
		WithDetails("id", id)
}

// Validation builds a Validation error naming the offending field and reason.
func Validation(field, reason string) *Error {
	return newErr(CodeValidation, "validation failed").
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Transport wraps a backend I/O failure (cache, audit store, notification
// dispatch). Transport errors are the only kind the retry/circuit-breaker
// layer treats as retryable.
func Transport(operation string, err error) *Error {
	return wrapErr(CodeTransport, "transport operation failed", err).
		WithDetails("operation", operation)
}

// Serialization wraps a (de)serialization failure. Never retried.
func Serialization(operation string, err error) *Error {
	return wrapErr(CodeSerialization, "serialization failed", err).
		WithDetails("operation", operation)
}

// BusinessRule builds an error for a disabled subsystem or other rule
// violation that should surface to the caller without side effects.
func BusinessRule(message string) *Error {
	return newErr(CodeBusinessRule, message)
}

// Internal wraps an unanticipated failure.
func Internal(message string, err error) *Error {
	return wrapErr(CodeInternal, message, err)
}

// CodeOf extracts the Code from an error chain, or CodeInternal if err is
// not (and does not wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err is (or wraps) a *Error with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err's code is one the retry policy should
// act on (Transport only — Serialization is explicitly never retried).
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeTransport
}
