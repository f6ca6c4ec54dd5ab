package governance

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ThrottleConfig defines the token bucket applied to every key.
type ThrottleConfig struct {
	RatePerSecond float64
	Burst         int
}

// Throttle implements token bucket rate limiting per key. Buckets are created
// lazily and share one configuration.
type Throttle struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	config  ThrottleConfig
	buckets map[string]*tokenBucket
}

// NewThrottle creates a throttle. A nil clock uses the real clock.
func NewThrottle(config ThrottleConfig, clock clockwork.Clock) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &Throttle{
		clock:   clock,
		buckets: make(map[string]*tokenBucket),
	}
	t.Configure(config)
	return t
}

// Configure updates the limits of existing and future buckets.
func (t *Throttle) Configure(config ThrottleConfig) {
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = config
	for _, bucket := range t.buckets {
		bucket.configure(config)
	}
}

// Allow reports whether key may proceed now, consuming a token if so.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	bucket, ok := t.buckets[key]
	if !ok {
		bucket = newTokenBucket(t.config, now)
		t.buckets[key] = bucket
	}
	return bucket.take(now)
}

// Forget drops the bucket of key.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, key)
}

// Len returns the number of tracked keys.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// tokenBucket is guarded by the owning Throttle's mutex.
type tokenBucket struct {
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(config ThrottleConfig, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:       config.RatePerSecond,
		capacity:   float64(config.Burst),
		tokens:     float64(config.Burst), // Start with full bucket
		lastRefill: now,
	}
}

func (tb *tokenBucket) configure(config ThrottleConfig) {
	tb.rate = config.RatePerSecond
	tb.capacity = float64(config.Burst)
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take(now time.Time) bool {
	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}
