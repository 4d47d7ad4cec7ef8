package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Policy controls the retry behavior of Do.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of delay to randomize (0..1)

	// Sleep overrides the context-aware sleep between attempts (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns 3 attempts with backoff doubling from 1s up to 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
	}
}

// TransientError marks a failure that may go away on retry (connection
// failure, timeout, not-yet-propagated data). A positive RetryAfter is the
// server-given wait and replaces the computed backoff.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TransientAfter wraps err as retryable after the server-given delay d.
func TransientAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: d}
}

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a non-transient error, or the policy
// runs out of attempts. Only errors classified with Transient are retried;
// everything else is returned immediately. After the last attempt the last
// error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	var lastErr error
	for attempt := range maxAttempts {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}

		delay := p.backoff(attempt)
		var t *TransientError
		if errors.As(err, &t) && t.RetryAfter > 0 {
			delay = t.RetryAfter
		}
		slog.Warn("retry: transient failure",
			"op", op,
			"attempt", attempt+1,
			"max", maxAttempts,
			"delay", delay,
			"err", err,
		)
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}

	slog.Error("retry: all attempts failed", "op", op, "attempts", maxAttempts, "err", lastErr)
	return zero, lastErr
}

// backoff computes the sleep duration after the given (zero-based) attempt.
func (p Policy) backoff(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		jitter := delay * p.JitterFactor * (rand.Float64()*2 - 1) // ±jitter
		delay += jitter
		if delay < 0 {
			delay = float64(p.InitialDelay)
		}
	}

	return time.Duration(delay)
}

// sleepWithContext sleeps for d but returns immediately if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sleep is the context-aware sleep used between attempts. Exported so the
// poller can share the same cooperative wait.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleepWithContext(ctx, d)
}
