// Package domainerrors provides typed error codes for business rule violations.
//
// Business failures are values, not panics: writers return an *Error carrying a
// Code from the taxonomy below and propagate it by early return. Callers branch
// on codes with HasCode rather than matching message text, and transports map
// codes onto status codes in one place.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	// Validation failures, raised before any store access.
	CodeInvalidInput       Code = "invalid_input"
	CodeBadRequest         Code = "bad_request"
	CodeInvariantViolation Code = "invariant_violation"

	// Conflict failures, raised by consistency checks against existing state.
	CodeAlreadyExists      Code = "already_exists"
	CodeDoesNotExist       Code = "does_not_exist"
	CodeInvalidValue       Code = "invalid_value"
	CodeImmutableValue     Code = "immutable_value"
	CodeStateTransition    Code = "invalid_state_transition"
	CodeLinkedEntityExists Code = "linked_entity_exists"
	CodePendingCommands    Code = "pending_commands_exist"
	CodeVersionMismatch    Code = "version_mismatch"

	// Resource and access failures.
	CodeNotFound  Code = "not_found"
	CodeForbidden Code = "forbidden"
	CodeConflict  Code = "conflict"
	CodeInternal  Code = "internal"
)

// Error is a domain error with a machine-readable code and optional target,
// the field or entity the error is about.
type Error struct {
	Code    Code
	Message string
	Target  string
	err     error
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error, preserving the
// chain for errors.Is/As.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, err: err}
}

// WithTarget returns a copy of the error annotated with the field or entity
// it refers to.
func (e *Error) WithTarget(target string) *Error {
	clone := *e
	clone.Target = target
	return &clone
}

// HasCode reports whether err or any error in its chain carries the code.
func HasCode(err error, code Code) bool {
	var dErr *Error
	for e := err; e != nil; {
		if errors.As(e, &dErr) {
			if dErr.Code == code {
				return true
			}
			e = dErr.Unwrap()
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost domain code in the chain, or CodeInternal when
// err carries none.
func CodeOf(err error) Code {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code
	}
	return CodeInternal
}

// IsConflict reports whether the code belongs to the conflict family.
func IsConflict(err error) bool {
	switch CodeOf(err) {
	case CodeAlreadyExists, CodeDoesNotExist, CodeInvalidValue, CodeImmutableValue,
		CodeStateTransition, CodeLinkedEntityExists, CodePendingCommands,
		CodeVersionMismatch, CodeConflict:
		return true
	}
	return false
}
