package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter controls the rate and timing of operations, incorporating optional jitter.
// It is safe for concurrent use by multiple goroutines.
type Limiter struct {
	lim     *rate.Limiter
	jitter  float64 // 0.0 to 1.0
	stopped chan struct{}
	once    sync.Once
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// NewLimiter creates a new limiter with the given operations per second (rps)
// and jitter factor. Jitter is clamped to [0, 1].
// If rps is <= 0, the limiter does not block.
func NewLimiter(rps float64, jitter float64) *Limiter {
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	return &Limiter{
		lim:     rate.NewLimiter(limitFor(rps), 1),
		jitter:  jitter,
		stopped: make(chan struct{}),
	}
}

// SetRate changes the pace. Waiters pick it up on their next reservation.
func (l *Limiter) SetRate(rps float64) {
	l.lim.SetLimit(limitFor(rps))
}

// Rate returns the current pace in operations per second; 0 means unlimited.
func (l *Limiter) Rate() float64 {
	lim := l.lim.Limit()
	if lim == rate.Inf {
		return 0
	}
	return float64(lim)
}

// Wait blocks until it is time to perform the next operation, until the
// context is canceled, or until Stop is called. With jitter, up to
// jitter * interval of extra delay is added at random.
func (l *Limiter) Wait(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := l.lim.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	lim := l.lim.Limit()
	if l.jitter == 0 || lim == rate.Inf || lim <= 0 {
		return nil
	}

	interval := time.Duration(float64(time.Second) / float64(lim))
	extra := time.Duration(float64(interval) * l.jitter * rand.Float64())

	t := time.NewTimer(extra)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop releases any waiters with context.Canceled. It is idempotent.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopped) })
}
