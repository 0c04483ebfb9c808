// Package ratelimit provides a token-bucket accept limiter shared by
// every listener. It is a defensive addition on top of the proxy
// core: none of the listeners require it to function, but every
// production listener in this lineage grows one.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates Accept() calls. A zero-value Limiter (rate <= 0) never
// blocks, which is the default "unlimited" configuration.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter allowing ratePerSecond accepts per second with
// the given burst. ratePerSecond <= 0 disables limiting entirely.
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done. A disabled
// limiter returns immediately.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Allow reports whether a token is available right now, consuming it if
// so. A disabled limiter always allows.
func (l *Limiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}

// WaitTimeout is a convenience wrapper combining Wait with a deadline of
// d from now. The listeners' accept loops call Wait without a deadline.
func (l *Limiter) WaitTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return l.Wait(ctx)
}
