package async

import (
	"context"
	"strings"

	"github.com/teranos/cadence/errors"
)

var (
	// ErrUnrecoverable marks a handler error that must not be retried.
	ErrUnrecoverable = errors.New("unrecoverable job error")

	// ErrStalled is the failure recorded when a job exceeds its stall budget.
	ErrStalled = errors.New("job stalled more than allowed")
)

// Unrecoverable marks err so the worker fails the job without retrying.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrUnrecoverable)
}

// RetryClassifier decides whether a failed run may be retried.
type RetryClassifier func(err error) bool

// DefaultRetryable retries everything except unrecoverable and permanent
// delivery errors.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrUnrecoverable) && !errors.IsPermanent(err)
}

// FailureHook is told about every job that reaches the failed state.
type FailureHook interface {
	OnFinalFailure(ctx context.Context, job *Job, err error)
}

// FailureHookFunc adapts a function to FailureHook.
type FailureHookFunc func(ctx context.Context, job *Job, err error)

// OnFinalFailure calls f.
func (f FailureHookFunc) OnFinalFailure(ctx context.Context, job *Job, err error) {
	f(ctx, job, err)
}

// ErrorCode represents the classification of an error for logs and events
type ErrorCode string

const (
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeProviderError   ErrorCode = "provider_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ClassifyError categorizes an error, preferring marks over message patterns.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	switch {
	case errors.IsPermanent(err):
		return ErrorCodeProviderError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrTimeout):
		return ErrorCodeTimeout
	case errors.IsNotFoundError(err), errors.IsInvalidRequestError(err), errors.Is(err, ErrUnrecoverable):
		return ErrorCodeValidationError
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		return ErrorCodeTimeout
	case strings.Contains(errLower, "connection") || strings.Contains(errLower, "network") ||
		strings.Contains(errLower, "eof"):
		return ErrorCodeNetworkError
	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		return ErrorCodeDatabaseError
	case strings.Contains(errLower, "invalid") || strings.Contains(errLower, "validation"):
		return ErrorCodeValidationError
	default:
		return ErrorCodeUnknown
	}
}
