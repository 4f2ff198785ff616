package hwctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds how long a caller polls for a free context.
type RetryPolicy struct {
	Interval    time.Duration `toml:"interval"`
	MaxInterval time.Duration `toml:"max_interval"`
	MaxAttempts int           `toml:"max_attempts"`
	Timeout     time.Duration `toml:"timeout"`
}

// DefaultRetryPolicy polls every few milliseconds for at most one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval:    2 * time.Millisecond,
		MaxInterval: 50 * time.Millisecond,
		MaxAttempts: 50,
		Timeout:     time.Second,
	}
}

// Retryable reports whether a bind error may succeed later.
func Retryable(err error) bool {
	return errors.Is(err, ErrNoFreeContext) || errors.Is(err, ErrContextBusy)
}

// BindWithRetry calls bind until it succeeds, fails with a non-retryable
// error, or the policy runs out of attempts or time.
func BindWithRetry(ctx context.Context, pol RetryPolicy, bind func() (int, error)) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pol.Interval
	if pol.MaxInterval > 0 {
		b.MaxInterval = pol.MaxInterval
	}
	b.MaxElapsedTime = pol.Timeout

	var bo backoff.BackOff = b
	if pol.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(pol.MaxAttempts))
	}
	bo = backoff.WithContext(bo, ctx)

	hw := -1
	attempts := 0
	op := func() error {
		attempts++
		i, err := bind()
		if err == nil {
			hw = i
			return nil
		}
		if Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, bo); err != nil {
		return -1, fmt.Errorf("bind gave up after %d attempts: %w", attempts, err)
	}
	return hw, nil
}
