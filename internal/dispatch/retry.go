package dispatch

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// RetryPolicy retries operations that fail with a retryable DomainError,
// such as a git fetch that timed out. Conflicts are never retried.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	Multiplier   float64
}

// DefaultRetryPolicy returns the policy used for working-copy setup.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.2,
		Multiplier:   2.0,
	}
}

// RetryNotifyFunc is called before each retry.
type RetryNotifyFunc func(attempt int, err error, delay time.Duration)

// Do runs fn until it succeeds, fails with a non-retryable error or the
// attempts run out.
func Do[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error), notify RetryNotifyFunc) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !core.IsRetryable(err) || attempt == attempts {
			break
		}
		delay := p.delay(attempt)
		if notify != nil {
			notify(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	if attempts > 1 && core.IsRetryable(lastErr) {
		return zero, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
	}
	return zero, lastErr
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		jitter := d * p.JitterFactor
		d += (rand.Float64()*2 - 1) * jitter
	}
	return time.Duration(d)
}
