package dispatch

import (
	"context"

	"github.com/aegisops/aegis/internal/domain"
)

// Sender delivers notifications over one channel type.
type Sender interface {
	// Type returns the channel this sender serves.
	Type() domain.NotificationType

	// Send delivers one intent. Wrap transient failures in
	// *RetryableError so the worker schedules a retry instead of
	// failing the item outright.
	Send(ctx context.Context, intent domain.NotificationIntent) error
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the wrapped error is worth retrying.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}
