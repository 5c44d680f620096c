package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/engramdev/engram/internal/errs"
)

const (
	retryBase     = 100 * time.Millisecond
	retryCap      = 10 * time.Second
	retryAttempts = 3
)

// WithRetry runs op under the shared transient-error budget: exponential
// backoff from 100ms capped at 10s, at most 3 attempts. Only Unavailable and
// Overloaded errors are retried; everything else fails immediately.
func WithRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBase
	b.MaxInterval = retryCap

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errs.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(retryAttempts))
}
