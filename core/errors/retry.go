package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines backoff behavior for retryable error kinds.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (0 or 1 means no retry).
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the starting backoff duration.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the backoff.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the backoff multiplier.
	Multiplier float64 `yaml:"multiplier"`

	// JitterPercent randomizes each delay by up to this fraction.
	JitterPercent float64 `yaml:"jitter_percent"`
}

// DefaultRetryPolicy returns the policy used for network and storage faults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

// Delay computes the backoff before the given attempt (0-based). A
// RetryAfter carried by the error takes precedence over the computed value.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	var ce *Error
	if As(err, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter
	}

	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	if p.JitterPercent > 0 {
		jitter := time.Duration(rand.Float64() * p.JitterPercent * float64(delay))
		delay += jitter
	}

	return delay
}

// Retry runs fn up to policy.MaxAttempts times, backing off between
// attempts. Non-retryable errors and context cancellation stop immediately.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Wrap(KindNetwork, "retry cancelled", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(policy.Delay(attempt, lastErr)):
		case <-ctx.Done():
			return Wrap(KindNetwork, "retry cancelled", ctx.Err())
		}
	}

	return lastErr
}
