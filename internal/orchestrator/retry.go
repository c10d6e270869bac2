package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
)

// withRetry retries fn on infrastructure errors with doubling delay.
// Taxonomy errors (conflict, not found, ...) are returned at once.
func withRetry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		v   T
		err error
	)
	for i := 0; i < attempts; i++ {
		v, err = fn()
		if err == nil {
			return v, nil
		}
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Kind != apperr.KindTransient {
			return v, err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return v, err
}

func retryErr(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	_, err := withRetry(ctx, attempts, delay, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}
