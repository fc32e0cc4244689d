// Package ratelimit is sliding-window admission control. The
// contract — {allowed, remaining, resetAt, limit} — has no equivalent in a
// token-bucket limiter, so the core window is hand-rolled; golang.org/x/time
// is used only to pace the keyed variant's idle-key cleanup pass.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result is tryAcquire's return shape.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// Limiter is a single sliding-window admission gate. Window and Limit are
// immutable after construction.
type Limiter struct {
	mu         sync.Mutex
	window     time.Duration
	limit      int
	timestamps []time.Time
	lastUsed   time.Time
}

// New creates a Limiter admitting at most limit requests per window.
func New(window time.Duration, limit int) *Limiter {
	return &Limiter{window: window, limit: limit, lastUsed: time.Now()}
}

// TryAcquire prunes expired entries and admits the caller if the retained
// count is below the limit.
func (l *Limiter) TryAcquire() Result {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastUsed = now
	l.prune(now)

	resetAt := now.Add(l.window)
	if len(l.timestamps) > 0 {
		resetAt = l.timestamps[0].Add(l.window)
	}

	if len(l.timestamps) >= l.limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, Limit: l.limit}
	}

	l.timestamps = append(l.timestamps, now)
	remaining := l.limit - len(l.timestamps)
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt, Limit: l.limit}
}

// prune must be called with mu held.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.timestamps) && l.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append([]time.Time{}, l.timestamps[i:]...)
	}
}

func (l *Limiter) idleSince(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.lastUsed)
}

// KeyedLimiter gives each key its own independent sliding window over a
// shared window/limit configuration.
type KeyedLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	limit    int
	limiters map[string]*Limiter
	sweepPace *rate.Limiter
}

// NewKeyed creates a KeyedLimiter with window/limit shared by every key.
func NewKeyed(window time.Duration, limit int) *KeyedLimiter {
	return &KeyedLimiter{
		window:    window,
		limit:     limit,
		limiters:  make(map[string]*Limiter),
		sweepPace: rate.NewLimiter(rate.Every(window), 1),
	}
}

// TryAcquire admits against key's independent window, creating it on first
// use.
func (k *KeyedLimiter) TryAcquire(key string) Result {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = New(k.window, k.limit)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.TryAcquire()
}

// CleanupIdle removes any key whose limiter has been untouched for longer
// than idleAfter. It is rate-paced by sweepPace so a caller driving this
// from a tight scheduler interval does not churn the map on every tick.
func (k *KeyedLimiter) CleanupIdle(idleAfter time.Duration) {
	if !k.sweepPace.Allow() {
		return
	}
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, l := range k.limiters {
		if l.idleSince(now) > idleAfter {
			delete(k.limiters, key)
		}
	}
}

// Len reports the number of keys currently tracked.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
