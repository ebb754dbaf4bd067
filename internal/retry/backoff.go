// Package retry provides exponential backoff for transport dialing.
//
// The mux core never retries anything on its own; retry policy lives
// with the caller that establishes transports, which is where this
// package is used.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that redialing will not
// help, such as bad credentials or an unknown host key.  Return
// [Permanent](err) from the dial function to stop immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  The backoff loop will return
// the inner error immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff is the redial policy: exponential delays between attempts,
// optionally jittered.
type Backoff struct {
	// InitialDelay is the wait before the second dial attempt
	// (default 1s).
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts (default 60s).
	MaxDelay time.Duration
	// Multiplier grows the wait after each failure (default 2.0).
	Multiplier float64
	// MaxAttempts is the total number of dials including the first.
	// 0 means keep dialing until the context is cancelled.
	// Default: 10.
	MaxAttempts int
	// Jitter spreads the waits ±25% so a fleet of clients does not
	// redial in lockstep.
	Jitter bool
}

// DialBackoff returns the standard policy for establishing transports.
// Callers override MaxAttempts and MaxDelay from config.
func DialBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// Do runs fn until it succeeds, returns a permanent error, or the
// attempt budget or context runs out.
//
// The attempt parameter passed to fn is 1-based.  On success fn
// returns nil; to abort, fn wraps its error with [Permanent].
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := b.InitialDelay
	if delay == 0 {
		delay = time.Second
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxDelay := b.MaxDelay
	if maxDelay == 0 {
		maxDelay = 60 * time.Second
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}

		// Permanent errors are never retried.
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}

		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", b.MaxAttempts, err)
		}

		wait := delay
		if b.Jitter {
			wait = addJitter(delay)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("backoff cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// addJitter adds ±25% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	result := float64(d) + delta
	return time.Duration(math.Max(result, float64(time.Millisecond)))
}
