// Package ratelimit provides per-caller token bucket rate limiting.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64
	// Burst is the bucket capacity.
	Burst int
	// IdleTTL drops a caller's bucket after this long without requests.
	IdleTTL time.Duration
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RequestsPerSecond: 2,
		Burst:             10,
		IdleTTL:           10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = d.RequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = int(math.Max(1, math.Ceil(c.RequestsPerSecond*2)))
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	return c
}

// Bucket implements token bucket rate limiting. Callers hold the limiter lock.
type Bucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(cfg Config, now time.Time) *Bucket {
	return &Bucket{
		tokens:     float64(cfg.Burst),
		maxTokens:  float64(cfg.Burst),
		refillRate: cfg.RequestsPerSecond,
		lastRefill: now,
	}
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillRate)
}

func (b *Bucket) take(now time.Time) (bool, time.Duration) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	needed := 1 - b.tokens
	return false, time.Duration(needed / b.refillRate * float64(time.Second))
}

// Limiter manages one bucket per key (normally the caller's user id).
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*Bucket
	config    Config
	now       func() time.Time
	lastPrune time.Time
}

// NewLimiter creates a limiter. A zero rate or burst takes the defaults.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config.withDefaults(),
		now:     time.Now,
	}
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.Enabled
}

// Allow consumes a token for key. When refused it also returns how long the
// caller should wait before retrying.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) >= l.config.IdleTTL {
		l.pruneLocked(now)
	}
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = newBucket(l.config, now)
		l.buckets[key] = bucket
	}
	return bucket.take(now)
}

// pruneLocked drops buckets that have been idle for longer than IdleTTL;
// they would have refilled completely anyway.
func (l *Limiter) pruneLocked(now time.Time) {
	l.lastPrune = now
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastRefill) >= l.config.IdleTTL {
			delete(l.buckets, key)
		}
	}
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
