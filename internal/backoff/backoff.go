// Package backoff implements retry policies with capped exponential delay.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy configures retry behavior. Delay for attempt n (0-based) is
// min(BaseDelay * Multiplier^n, MaxDelay).
type Policy struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Delay before the first retry
	MaxDelay    time.Duration // Cap; zero means uncapped
	Multiplier  float64       // Growth factor; values < 1 are treated as 1
}

// DefaultReconnectPolicy is used by clients re-establishing a dropped
// connection.
func DefaultReconnectPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  1.5,
	}
}

// Constant returns a policy of retries+1 attempts with a fixed delay.
func Constant(retries int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: retries + 1,
		BaseDelay:   delay,
		MaxDelay:    delay,
		Multiplier:  1,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ErrMaxAttempts indicates all attempts failed.
var ErrMaxAttempts = errors.New("maximum attempts exceeded")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Retry returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Retry runs fn until it succeeds, returns a Permanent error, the policy is
// exhausted, or ctx is done. attempt is 0-based. On exhaustion the returned
// error wraps both ErrMaxAttempts and the last error.
func Retry[T any](ctx context.Context, p Policy, notify Notify, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}
		wait := p.Delay(attempt)
		if notify != nil {
			notify(attempt, err, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttempts, attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
