package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/amillerrr/revspot-vision/internal/metrics"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

// Default retry settings for remote calls.
const (
	DefaultCallTimeout   = 60 * time.Second
	DefaultMaxTries      = 3
	DefaultRetryInterval = 500 * time.Millisecond
	maxRetryInterval     = 10 * time.Second
)

// retryPolicy bounds each attempt of a remote call and the attempts made.
type retryPolicy struct {
	timeout  time.Duration
	maxTries uint
	interval time.Duration
}

// retry runs fn until it succeeds, fails permanently, or runs out of tries.
// Each attempt gets its own timeout.
func retry[T any](ctx context.Context, p retryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		if attempt > 1 {
			metrics.RemoteCallRetries.WithLabelValues(op).Inc()
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		v, err := fn(callCtx)
		if err != nil && !isRetryable(ctx, err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval
	b.MaxInterval = maxRetryInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.maxTries),
	)
}

// isRetryable reports whether another attempt could succeed.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, models.ErrNotAuthenticated),
		errors.Is(err, models.ErrValidation):
		return false
	}
	return true
}
