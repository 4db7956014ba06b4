package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
)

func TestPool_SubmitAndAwait(t *testing.T) {
	p := New("test", 2, 8, 8, metrics.NewUnregistered())
	p.Start()
	defer p.Stop()

	var ran atomic.Int32
	h, err := p.Submit(context.Background(), func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.Await(time.Second))
	assert.Equal(t, int32(1), ran.Load())
}

func TestPool_TaskErrorSurfacesOnHandle(t *testing.T) {
	p := New("test", 1, 4, 4, metrics.NewUnregistered())
	p.Start()
	defer p.Stop()

	boom := errors.New("boom")
	h, err := p.Submit(context.Background(), func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	assert.ErrorIs(t, h.Await(time.Second), boom)
	assert.ErrorIs(t, h.Err(), boom)
}

func TestPool_QueueFull(t *testing.T) {
	p := New("test", 1, 1, 1, metrics.NewUnregistered())
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	// Occupy the single worker.
	h1, err := p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	// Fill the queue.
	var h2 *Handle
	require.Eventually(t, func() bool {
		h, err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
		if err == nil {
			h2 = h
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Next submit must be rejected.
	require.Eventually(t, func() bool {
		_, err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
		return errors.Is(err, ErrQueueFull)
	}, time.Second, 5*time.Millisecond)

	close(block)
	require.NoError(t, h1.Await(time.Second))
	require.NoError(t, h2.Await(time.Second))
}

func TestPool_CancelPropagates(t *testing.T) {
	p := New("test", 1, 4, 4, metrics.NewUnregistered())
	p.Start()
	defer p.Stop()

	started := make(chan struct{})
	h, err := p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	h.Cancel()
	assert.ErrorIs(t, h.Await(time.Second), context.Canceled)
}

func TestPool_Saturated(t *testing.T) {
	p := New("test", 1, 4, 2, metrics.NewUnregistered())
	// Not started: everything stays queued.
	for i := 0; i < 2; i++ {
		_, err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}
	assert.True(t, p.Saturated())
}

func TestLimiter_RateCompliance(t *testing.T) {
	// 10 tokens/s, burst 2: over any one-second window at most r+b acquisitions.
	l := NewLimiter("test", 10, 2, 100, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	acquired := 0
	for {
		release, err := l.Acquire(ctx)
		if err != nil {
			break
		}
		acquired++
		release()
	}
	assert.LessOrEqual(t, acquired, 12, "acquisitions in 1s must be <= r+b")
}

func TestLimiter_TryAgainLaterOnWaitExhaustion(t *testing.T) {
	l := NewLimiter("test", 0.001, 1, 1, 20*time.Millisecond)

	// Drain the burst token.
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrTryAgainLater)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, Factor: 2, MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("auth"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := errors.New("transient")
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, Factor: 2, MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, Factor: 2, MaxAttempts: 2}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &RetryAfterError{After: 50 * time.Millisecond, Err: errors.New("429")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
