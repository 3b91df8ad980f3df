// Package backoff provides retry delay policies and context-aware sleeping
// for outbound calls.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrExhausted is returned when all retry attempts have been used.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy computes the delay before a retry. Attempt numbers start at 1.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Step is added for each further failure.
	Step time.Duration
	// Max caps the delay. Zero means no cap.
	Max time.Duration
	// Jitter is the randomization factor in [0, 1] applied on top of the
	// computed delay.
	Jitter float64
}

// Linear builds a policy where attempt n waits step*n, capped at max.
func Linear(step, max time.Duration) Policy {
	return Policy{Initial: step, Step: step, Max: max}
}

// Delay returns the wait before the given attempt's retry.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand lets tests pin the jitter draw. randomValue is in [0, 1).
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Initial + p.Step*time.Duration(attempt-1)
	if p.Jitter > 0 {
		d += time.Duration(float64(d) * p.Jitter * randomValue)
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Sleep waits for the duration or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait sleeps for the policy's delay before the given attempt's retry.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	return Sleep(ctx, p.Delay(attempt))
}

// Retry runs fn up to maxAttempts times, waiting per the policy between
// failures. fn receives the 1-indexed attempt number. The last error is
// wrapped under ErrExhausted when every attempt fails.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := p.Wait(ctx, attempt); err != nil {
				return zero, err
			}
		}
	}
	return zero, errors.Join(ErrExhausted, lastErr)
}
