package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how a failed model call is retried. Delays grow
// exponentially from BaseDelay and never exceed MaxDelay.
type RetryPolicy struct {
	// MaxRetries counts retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter adds a random extra of up to half the computed delay.
	Jitter bool
	// OnRetry runs before each sleep; attempt is 1 for the first retry.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the retry policy used for model steps.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  300 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the backoff before retry n, counting from 0.
func (p RetryPolicy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 0; i < n && (p.MaxDelay <= 0 || d < float64(p.MaxDelay)); i++ {
		d *= mult
	}
	if p.Jitter && d > 0 {
		d += rand.Float64() * d / 2
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// wait returns how long to sleep before retry n, and false when a rate
// limit asks for a longer pause than MaxDelay allows.
func (p RetryPolicy) wait(err error, n int) (time.Duration, bool) {
	var me *ModelError
	if errors.As(err, &me) && me.Kind == KindRateLimit && me.RetryAfter != nil {
		d := time.Duration(*me.RetryAfter * float64(time.Second))
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return 0, false
		}
		return d, true
	}
	return p.Delay(n), true
}

// Retry calls fn until it succeeds, fails with an error IsRetryable rejects,
// or MaxRetries retries have been spent.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for n := 0; ; n++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if n >= policy.MaxRetries || !IsRetryable(err) {
			return zero, err
		}
		delay, ok := policy.wait(err, n)
		if !ok {
			return zero, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, n+1, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
