// Package ratelimit implements per-scope request-rate and concurrency
// limiting with lazy-refill token buckets. Scopes are namespaced by the
// caller (rpcgate.RateBucket): one bucket per IP, one per auth key, one per
// upstream's own outbound budget.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds the effective rate and concurrency limits for a scope.
// A zero Rate means unlimited; a zero MaxConcurrent means unlimited.
type Limits struct {
	Rate          int64 // requests per minute
	Burst         int64 // bucket capacity; defaults to Rate if zero
	MaxConcurrent int
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(rate, burst int64) *bucket {
	if burst <= 0 {
		burst = rate
	}
	return &bucket{
		tokens:   float64(burst),
		max:      float64(burst),
		rate:     float64(rate) / 60.0, // per-minute limit -> per-second rate
		lastFill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return int64(b.tokens), false
}

func (b *bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	deficit := n - b.tokens
	return deficit / b.rate
}

func (b *bucket) remaining() int64 {
	return int64(b.tokens)
}

// Slot tracks one in-flight request against a Limiter's MaxConcurrent cap.
// Release must be called at least once, typically via defer, on every exit
// path including panics; calls after the first are no-ops.
type Slot struct {
	l *Limiter
}

// Release frees the concurrency slot. Safe to call multiple times.
func (s *Slot) Release() {
	if s == nil || s.l == nil {
		return
	}
	s.l.mu.Lock()
	if s.l.inFlight > 0 {
		s.l.inFlight--
	}
	s.l.mu.Unlock()
	s.l = nil
}

// Limiter holds a rate bucket and a concurrency counter for a single scope.
type Limiter struct {
	mu       sync.Mutex
	rate     *bucket // nil if unlimited
	limits   Limits
	inFlight int
	lastUsed time.Time
}

func newLimiter(limits Limits) *Limiter {
	l := &Limiter{limits: limits, lastUsed: time.Now()}
	if limits.Rate > 0 {
		l.rate = newBucket(limits.Rate, limits.Burst)
	}
	return l
}

// Allow consumes one rate token and, if MaxConcurrent is set, reserves a
// concurrency slot. The returned Slot must be released by the caller once
// the request completes; it is nil when the request was denied.
func (l *Limiter) Allow() (Result, *Slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.limits.MaxConcurrent > 0 && l.inFlight >= l.limits.MaxConcurrent {
		return Result{Allowed: false, RetryAfterSeconds: 0.05}, nil
	}

	if l.rate == nil {
		l.inFlight++
		return Result{Allowed: true}, &Slot{l: l}
	}

	remaining, ok := l.rate.tryConsume(1, now)
	if !ok {
		return Result{
			Allowed:           false,
			Limit:             l.limits.Rate,
			Remaining:         0,
			RetryAfterSeconds: l.rate.retryAfter(1),
		}, nil
	}
	l.inFlight++
	return Result{Allowed: true, Limit: l.limits.Rate, Remaining: remaining}, &Slot{l: l}
}

// Peek returns current rate state without consuming a token.
func (l *Limiter) Peek() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rate == nil {
		return Result{Allowed: true}
	}
	l.rate.refill(time.Now())
	return Result{Allowed: true, Limit: l.limits.Rate, Remaining: l.rate.remaining()}
}

// Registry manages per-scope Limiters keyed by rpcgate.RateBucket.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

func bucketKey(scope, key string) string { return scope + ":" + key }

// GetOrCreate returns the limiter for (scope, key), creating one if needed.
// If the scope's limits have changed, a new limiter is created in its place.
func (r *Registry) GetOrCreate(scope, key string, limits Limits) *Limiter {
	bk := bucketKey(scope, key)

	r.mu.RLock()
	l, ok := r.limiters[bk]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[bk]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	r.limiters[bk] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff) && l.inFlight == 0
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
