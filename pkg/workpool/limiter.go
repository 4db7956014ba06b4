package workpool

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrTryAgainLater is returned when a limiter's bounded wait is exhausted.
var ErrTryAgainLater = errors.New("workpool: provider saturated, try again later")

// Limiter combines a token bucket with an inflight cap for one external
// provider. Acquire is non-blocking while inflight slots remain; once the
// cap is reached the caller queues up to maxWait.
type Limiter struct {
	provider string
	bucket   *rate.Limiter
	inflight chan struct{}
	maxWait  time.Duration
}

// NewLimiter creates a limiter with r tokens/s, burst b and the given
// inflight cap.
func NewLimiter(provider string, r float64, burst, inflightCap int, maxWait time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if inflightCap < 1 {
		inflightCap = 1
	}
	return &Limiter{
		provider: provider,
		bucket:   rate.NewLimiter(rate.Limit(r), burst),
		inflight: make(chan struct{}, inflightCap),
		maxWait:  maxWait,
	}
}

// Acquire blocks until a token and an inflight slot are available, or until
// the bounded wait or ctx expires. The returned release function must be
// called exactly once when the call finishes.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	select {
	case l.inflight <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTryAgainLater
	}

	if err := l.bucket.Wait(waitCtx); err != nil {
		<-l.inflight
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTryAgainLater
	}

	return func() { <-l.inflight }, nil
}

// Provider returns the provider name this limiter governs.
func (l *Limiter) Provider() string { return l.provider }

// Inflight returns the number of calls currently holding a slot.
func (l *Limiter) Inflight() int { return len(l.inflight) }
