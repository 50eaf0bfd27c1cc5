package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds a retried store operation.
type RetryPolicy struct {
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
	// MaxAttempts bounds total attempts. 0 means retry until ctx expires.
	MaxAttempts uint64
}

// ReconnectPolicy is the facade's default policy for store outages:
// exponential backoff capped at 30 seconds, retrying until the caller's
// context expires.
func ReconnectPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// OwnershipPolicy is the retry policy for lock contention, heartbeat and
// label-update failures: 50 ms base, doubling, capped at 2 s, 3 attempts.
func OwnershipPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxAttempts:     3,
	}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = 0 // bounded by attempts or ctx, not wall time
	var b backoff.BackOff = bo
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return backoff.WithContext(b, ctx)
}

// Retry runs fn under the policy. ErrTxConflict and ErrUnavailable are
// retried; any other error aborts immediately.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTxConflict) || errors.Is(err, ErrUnavailable) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, p.backoff(ctx))
}
