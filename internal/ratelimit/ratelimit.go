// Package ratelimit implements a per-user token bucket rate limiter.
// Thread-safe. No background goroutines; tokens are refilled lazily on
// each Allow call and idle buckets are pruned opportunistically.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/config"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleEviction is how long a bucket may sit untouched before it is pruned.
// An untouched bucket is full anyway, so eviction never costs tokens.
const idleEviction = 10 * time.Minute

// Limiter is a per-user token bucket rate limiter.
// Each user gets an independent bucket; one user cannot exhaust another's
// quota.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*bucket
	rate  float64 // tokens per second
	burst float64 // max bucket capacity

	nextPrune time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// New creates a rate limiter. If RequestsPerMinute is 0, Allow always
// succeeds.
func New(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		users:     make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
		nextPrune: time.Now().Add(idleEviction),
	}
}

// Allow checks whether the user has tokens remaining, consuming one on
// success. Returns ErrRateLimited when the bucket is empty.
func (l *Limiter) Allow(userID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.After(l.nextPrune) {
		l.prune(now)
	}

	b, ok := l.users[userID]
	if !ok {
		// First request starts with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.users[userID] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Remaining reports the whole tokens currently available to the user
// without consuming any. Users with no bucket yet report the full burst.
func (l *Limiter) Remaining(userID string) int {
	if l.rate <= 0 {
		return int(l.burst)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.users[userID]
	if !ok {
		return int(l.burst)
	}
	tokens := b.tokens + time.Since(b.lastFill).Seconds()*l.rate
	if tokens > l.burst {
		tokens = l.burst
	}
	return int(tokens)
}

// prune drops buckets idle long enough to have refilled completely.
// Caller must hold l.mu.
func (l *Limiter) prune(now time.Time) {
	for id, b := range l.users {
		if now.Sub(b.lastFill) > idleEviction {
			delete(l.users, id)
		}
	}
	l.nextPrune = now.Add(idleEviction)
}
