package auth

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the number of requests an agent may make per route per window.
	DefaultRateLimit = 60
	// DefaultRateWindow is the fixed window length.
	DefaultRateWindow = 60 * time.Second
)

// Decision is the outcome of a rate-limit check. Limit, Remaining, and
// ResetAt are filled in whether or not the request is allowed so callers can
// always emit X-RateLimit-* headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// RateKey builds the bucket key for an agent and route. The route is the
// operation's path template, so /orders/1 and /orders/2 share a bucket.
func RateKey(agentID, route string) string {
	return agentID + "|" + route
}

func decide(count int64, limit int, resetAt time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// MemoryRateLimiter is a process-local fixed-window limiter.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	count   int64
	resetAt time.Time
}

// NewMemoryRateLimiter returns an empty limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeSweepLocked(now)

	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		l.buckets[key] = b
	}
	b.count++
	return decide(b.count, limit, b.resetAt), nil
}

// maybeSweepLocked drops finished windows at most once a minute. Caller must hold mu.
func (l *MemoryRateLimiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}
