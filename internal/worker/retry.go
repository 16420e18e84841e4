package worker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/drewdunne/conductor/internal/store"
)

// RetryConfig configures retries of transient failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// WithRetry calls fn until it succeeds, fails permanently or runs out of
// retries, doubling the wait between attempts.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var err error
	backoff := cfg.InitialBackoff

	for i := 0; i <= cfg.MaxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) || i == cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return err
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransientError reports whether err should be retried.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var te transientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Lost an optimistic lock race; the next attempt reloads.
	if errors.Is(err, store.ErrStaleObject) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
