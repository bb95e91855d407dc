package domain

import (
	"errors"
	"fmt"
)

// Code categorizes why an event could not be applied.
type Code string

const (
	// CodeValidation indicates the payload does not match its kind's schema.
	CodeValidation Code = "validation"

	// CodeUnknownKind indicates no handler is registered for the kind.
	CodeUnknownKind Code = "unknown_kind"

	// CodeIDConflict indicates the event id was already logged with a
	// different payload.
	CodeIDConflict Code = "id_conflict"

	// CodeOpenSession indicates a check-in for someone already checked in.
	CodeOpenSession Code = "open_session"

	// CodeSessionNotFound indicates a check-out with nothing to close.
	CodeSessionNotFound Code = "session_not_found"

	// CodeAlreadyClosed indicates a check-out for a session already closed.
	CodeAlreadyClosed Code = "already_closed"

	// CodeTransient indicates an infrastructure failure worth retrying.
	CodeTransient Code = "transient"

	// CodeInternal indicates a bug in a handler.
	CodeInternal Code = "internal"
)

// Retryable reports whether the client should keep delivering the event
// automatically, up to its attempt bound. Validation and unknown kind
// failures count as retryable. Business-rule rejections are terminal and
// wait for an operator.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransient, CodeSessionNotFound, CodeValidation, CodeUnknownKind:
		return true
	}
	return false
}

// Error is the structured failure returned by validators and handlers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Classify returns the code carried by err. Errors without a code, such
// as database or context errors, are treated as transient.
func Classify(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeTransient
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
