// Package retry runs storage calls again with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls how often and how long to retry.
type Policy struct {
	Attempts   int           // total attempts, at least 1
	Initial    time.Duration // wait after the first failure
	Max        time.Duration // upper bound for a single wait
	Multiplier float64       // backoff growth per attempt
	Jitter     float64       // 0-1, fraction of the wait randomized

	// Retryable reports whether err is worth another attempt. Nil retries
	// everything except context cancellation.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for snapshot transfers.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Initial:    200 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// None returns a policy that makes exactly one attempt.
func None() Policy {
	return Policy{Attempts: 1}
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Backoff returns the wait after the given failed attempt (1-based),
// before jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && wait > float64(p.Max) {
		wait = float64(p.Max)
	}
	return time.Duration(wait)
}

func (p Policy) jittered(attempt int) time.Duration {
	wait := float64(p.Backoff(attempt))
	if p.Jitter > 0 {
		wait += wait * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done.
func Do(ctx context.Context, p Policy, fn func() error) error {
	_, err := Value(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value is Do for functions that return a result.
func Value[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !p.retryable(err) || attempt == attempts {
			break
		}

		timer := time.NewTimer(p.jittered(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return zero, lastErr
}
