package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket shared by the outbound clients (scoring oracle,
// document store). A nil *Limiter never blocks.
type Limiter struct {
	rate       float64 // tokens per second
	tokens     float64
	maxTokens  float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// New creates a limiter allowing rps requests per second with a burst of
// max(1, rps). Non-positive rates fall back to 1 rps.
func New(rps float64) *Limiter {
	if rps <= 0 {
		rps = 1.0
	}
	burst := rps
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:       rps,
		tokens:     burst,
		maxTokens:  burst,
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Wait blocks until a token is available or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow takes a token without blocking and reports whether one was available
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.reserve() <= 0
}

// reserve takes a token if possible, otherwise returns how long until one accrues
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.maxTokens {
			l.tokens = l.maxTokens
		}
		l.lastUpdate = now
	}

	if l.tokens >= 1.0 {
		l.tokens -= 1.0
		return 0
	}

	missing := 1.0 - l.tokens
	return time.Duration(missing / l.rate * float64(time.Second))
}
