package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Mir00r/gateway-mesh/internal/clock"
)

// bucket holds whichever algorithm's state is active for one key. Only
// the fields relevant to the bucket's configured algorithm are used.
type bucket struct {
	mu sync.Mutex

	// fixed window
	windowStart time.Time
	count       int

	// sliding window
	timestamps []time.Time

	// token bucket
	tokens     float64
	lastRefill time.Time

	lastAccess time.Time
}

// MemoryStore is the default in-process rate-limit store: each bucket has
// its own lock, and all buckets live in one map guarded by one mutex (the
// map is not sharded). EvictIdle removes buckets idle for over 1 hour.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket

	idleTTL time.Duration
}

// NewMemoryStore builds an in-memory rate-limit store.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{clock: c, buckets: make(map[string]*bucket), idleTTL: time.Hour}
}

func (m *MemoryStore) get(key string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{}
		m.buckets[key] = b
	}
	return b
}

// Allow implements Store. It never returns an error: a malformed cfg
// (Max <= 0 or Window <= 0) fails open.
func (m *MemoryStore) Allow(_ context.Context, key string, cfg Config) Result {
	if cfg.Max <= 0 || cfg.Window <= 0 {
		return Result{Allowed: true}
	}

	b := m.get(key)
	now := m.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccess = now

	switch cfg.Algorithm {
	case SlidingWindow:
		return b.allowSliding(now, cfg)
	case TokenBucket:
		return b.allowTokenBucket(now, cfg)
	case FixedWindow:
		fallthrough
	default:
		return b.allowFixed(now, cfg)
	}
}

func (b *bucket) allowFixed(now time.Time, cfg Config) Result {
	windowStart := now.Truncate(cfg.Window)
	if !b.windowStart.Equal(windowStart) {
		b.windowStart = windowStart
		b.count = 0
	}

	resetAt := b.windowStart.Add(cfg.Window)
	if b.count >= cfg.Max {
		return Result{Allowed: false, Limit: cfg.Max, Remaining: 0, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}
	b.count++
	return Result{Allowed: true, Limit: cfg.Max, Remaining: cfg.Max - b.count, ResetAt: resetAt}
}

func (b *bucket) allowSliding(now time.Time, cfg Config) Result {
	cutoff := now.Add(-cfg.Window)
	kept := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.timestamps = kept

	resetAt := now.Add(cfg.Window)
	if len(b.timestamps) > 0 {
		resetAt = b.timestamps[0].Add(cfg.Window)
	}

	if len(b.timestamps) >= cfg.Max {
		return Result{Allowed: false, Limit: cfg.Max, Remaining: 0, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}
	b.timestamps = append(b.timestamps, now)
	return Result{Allowed: true, Limit: cfg.Max, Remaining: cfg.Max - len(b.timestamps), ResetAt: resetAt}
}

func (b *bucket) allowTokenBucket(now time.Time, cfg Config) Result {
	if b.lastRefill.IsZero() {
		b.tokens = float64(cfg.Max)
		b.lastRefill = now
	}

	refillRate := float64(cfg.Max) / cfg.Window.Seconds()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * refillRate
	if b.tokens > float64(cfg.Max) {
		b.tokens = float64(cfg.Max)
	}
	b.lastRefill = now

	resetAt := now.Add(cfg.Window)
	if b.tokens < 1 {
		missing := 1 - b.tokens
		wait := time.Duration(missing/refillRate*float64(time.Second))
		return Result{Allowed: false, Limit: cfg.Max, Remaining: 0, ResetAt: resetAt, RetryAfter: wait}
	}
	b.tokens--
	return Result{Allowed: true, Limit: cfg.Max, Remaining: int(b.tokens), ResetAt: resetAt}
}

// EvictIdle removes buckets untouched for longer than the idle TTL. The
// orchestrator calls this from its own 10-minute background tick.
func (m *MemoryStore) EvictIdle() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, b := range m.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastAccess) > m.idleTTL
		b.mu.Unlock()
		if idle {
			delete(m.buckets, key)
			evicted++
		}
	}
	return evicted
}
