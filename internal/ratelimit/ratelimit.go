// Package ratelimit implements token bucket rate limiting, per connection
// for WebSocket frames and per client key for the HTTP API.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket allows bursts of up to capacity events, refilled at
// capacity per interval.
type TokenBucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewTokenBucket creates a full bucket. Non-positive arguments fall back to
// a capacity of 1 and an interval of one second.
func NewTokenBucket(capacity int, interval time.Duration) *TokenBucket {
	return newTokenBucket(capacity, interval, time.Now)
}

func newTokenBucket(capacity int, interval time.Duration, now func() time.Time) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(float64(capacity)/interval.Seconds()), capacity),
		now:     now,
	}
}

// Allow takes one token if available.
func (b *TokenBucket) Allow() bool {
	return b.limiter.AllowN(b.now(), 1)
}

// full reports whether the bucket has refilled completely, meaning its
// owner has been idle long enough to be forgotten.
func (b *TokenBucket) full() bool {
	return b.limiter.TokensAt(b.now()) >= float64(b.limiter.Burst())
}

// Keyed holds one TokenBucket per key, for example per client IP.
type Keyed struct {
	mu       sync.Mutex
	buckets  map[string]*TokenBucket
	capacity int
	interval time.Duration
	maxKeys  int
	now      func() time.Time
}

// NewKeyed creates a keyed limiter allowing capacity events per interval
// for each key.
func NewKeyed(capacity int, interval time.Duration) *Keyed {
	return &Keyed{
		buckets:  make(map[string]*TokenBucket),
		capacity: capacity,
		interval: interval,
		maxKeys:  10000,
		now:      time.Now,
	}
}

// Allow takes one token from the bucket of key.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	bucket, ok := k.buckets[key]
	if !ok {
		if len(k.buckets) >= k.maxKeys {
			k.pruneLocked()
		}
		bucket = newTokenBucket(k.capacity, k.interval, k.now)
		k.buckets[key] = bucket
	}
	k.mu.Unlock()

	return bucket.Allow()
}

// pruneLocked drops buckets that have fully refilled; they carry no state
// worth keeping.
func (k *Keyed) pruneLocked() {
	for key, bucket := range k.buckets {
		if bucket.full() {
			delete(k.buckets, key)
		}
	}
}
