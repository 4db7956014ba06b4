package workpool

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Backoff describes an exponential retry schedule with jitter.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the provider retry contract: base 500ms, factor 2,
// five attempts, jittered.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Factor: 2, MaxDelay: 30 * time.Second, MaxAttempts: 5}
}

// Permanent wraps an error so Retry stops immediately.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryAfterError carries a server-provided wait hint (e.g. a 429
// Retry-After header). Retry honors the hint instead of the backoff step.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (r *RetryAfterError) Error() string { return r.Err.Error() }
func (r *RetryAfterError) Unwrap() error { return r.Err }

// Retry runs fn under the backoff schedule until it succeeds, returns a
// permanent error, or attempts are exhausted. The final error is returned
// unwrapped from the permanent marker.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	if b.MaxAttempts < 1 {
		b.MaxAttempts = 1
	}
	delay := b.Base

	var err error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if attempt == b.MaxAttempts {
			return err
		}

		wait := jitter(delay)
		var ra *RetryAfterError
		if errors.As(err, &ra) && ra.After > 0 {
			wait = ra.After
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * b.Factor)
		if b.MaxDelay > 0 && delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
	return err
}

// jitter spreads a delay over [d/2, d) to avoid thundering herds.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
