// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package drydock

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the failures that the engines in package registry can
// report to their callers.
//
// "Not found" is deliberately not in this list: all lookup operations report
// an absent row as a nil result with a nil error, so that callers are not
// forced into error-based control flow for the common miss case.
type ErrorCode string

const (
	// ErrValidation is returned when caller-supplied input is malformed
	// (bad label key, unrecognized media type, malformed digest).
	ErrValidation ErrorCode = "VALIDATION_FAILED"
	// ErrConflict is returned when a concurrent writer won a race that the
	// caller lost (e.g. a tag retarget). The operation can be retried.
	ErrConflict ErrorCode = "CONFLICT"
	// ErrPrecondition is returned when an operation is attempted against an
	// object in the wrong state (append/commit on a closed upload session,
	// byte count or hash state mismatch).
	ErrPrecondition ErrorCode = "PRECONDITION_FAILED"
	// ErrDependency is returned when an external collaborator (storage
	// backend, manifest parser) failed. The inner error carries the cause.
	ErrDependency ErrorCode = "DEPENDENCY_UNAVAILABLE"
)

// Error is the error type returned by all mutating operations in package
// registry.
type Error struct {
	Code  ErrorCode
	Inner error // optional
}

// With is a convenience function for constructing type Error.
func (c ErrorCode) With(msg string, args ...any) *Error {
	var err error
	if msg != "" {
		if len(args) > 0 {
			err = fmt.Errorf(msg, args...)
		} else {
			err = errors.New(msg)
		}
	}
	return &Error{Code: c, Inner: err}
}

// Wrap attaches this error code to an existing error. Returns nil if err is
// nil, so it can be applied unconditionally to collaborator call results.
func (c ErrorCode) Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: c, Inner: err}
}

// Error implements the builtin/error interface.
func (e *Error) Error() string {
	if e.Inner == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Inner.Error()
}

// Unwrap supports errors.Is/errors.As on the inner error.
func (e *Error) Unwrap() error {
	return e.Inner
}

// IsErrorWithCode checks whether err is an *Error with the given code.
func IsErrorWithCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
