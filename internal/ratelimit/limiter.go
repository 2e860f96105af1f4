// Package ratelimit paces outbound requests to a single global ceiling
// shared by every worker.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/metrics"
)

// MinRPS is the lowest accepted request rate.
const MinRPS = 0.1

// Clock supplies the current time and a cancellable sleep.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Limiter grants at most one call per 1/rps seconds across all callers.
type Limiter struct {
	limiter *rate.Limiter
	clock   Clock
}

// New creates a Limiter for rps requests per second. Values below MinRPS are
// raised to MinRPS.
func New(rps float64, clock Clock) *Limiter {
	if rps < MinRPS {
		rps = MinRPS
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		clock:   clock,
	}
}

// Wait suspends the caller until its turn. A cancelled context returns the
// reserved slot to the bucket.
func (l *Limiter) Wait(ctx context.Context) error {
	now := l.clock.Now()
	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limit wait: reservation exceeds burst")
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := l.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(l.clock.Now())
		return fmt.Errorf("rate limit wait: %w", err)
	}
	metrics.ObserveRateLimitDelay(delay)
	return nil
}

// Limit returns the configured rate in requests per second.
func (l *Limiter) Limit() float64 {
	return float64(l.limiter.Limit())
}
