// Package retry centralizes bounded-backoff behaviour shared by the feed
// reconnect loop, history seeding, and broker order placement.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Delay returns the backoff delay before the given attempt (1-based):
// base * 2^(attempt-1), capped at max. Jitter is applied separately so the
// bound stays testable.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Jitter spreads a delay by ±25% so reconnecting clients do not stampede.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.25
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// Do runs fn up to attempts times, sleeping the jittered backoff delay
// between failures. The last error is returned once attempts are exhausted
// or the context is done.
func Do(ctx context.Context, attempts int, base, max time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Jitter(Delay(attempt, base, max))):
		}
	}
	return err
}
