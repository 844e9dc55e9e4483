// Package errors provides error handling for cadence.
//
// This package re-exports github.com/cockroachdb/errors so that every error
// carries a stack trace, wrapping context and details that survive into logs
// and Sentry reports.
//
// Usage:
//
//	if err := store.Enqueue(ctx, job); err != nil {
//	    err = errors.Wrap(err, "failed to enqueue email job")
//	    return errors.WithDetail(err, fmt.Sprintf("Contact: %s", contactID))
//	}
//
//	// Provider adapters mark failures with a domain sentinel so the retry
//	// policy can recognise them after any amount of wrapping.
//	return errors.Mark(err, errors.ErrInvalidRecipient)
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark

	CombineErrors = crdb.CombineErrors
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Generic sentinels. Wrap them with errors.Wrap to add context while keeping
// errors.Is working.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates a lost optimistic claim or a duplicate key
	ErrConflict = New("resource conflict")
)

// Delivery sentinels. A job failing with any of these is never retried.
var (
	ErrInvalidRecipient   = New("invalid recipient")
	ErrInvalidCredentials = New("invalid credentials")
	ErrRateLimitExceeded  = New("provider rate limit exceeded")
	ErrInvalidThread      = New("invalid thread")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsPermanent reports whether err is one of the delivery sentinels.
func IsPermanent(err error) bool {
	return err != nil && IsAny(err,
		ErrInvalidRecipient,
		ErrInvalidCredentials,
		ErrRateLimitExceeded,
		ErrInvalidThread,
	)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
