package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mir00r/gateway-mesh/internal/clock"
)

func TestFixedWindowAllowsUpToMaxThenRejects(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewMemoryStore(fc)
	cfg := Config{Algorithm: FixedWindow, Window: 60 * time.Second, Max: 3}

	for i := 0; i < 3; i++ {
		res := s.Allow(context.Background(), "k", cfg)
		require.True(t, res.Allowed)
	}
	res := s.Allow(context.Background(), "k", cfg)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestFixedWindowResetsOnNextWindow(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewMemoryStore(fc)
	cfg := Config{Algorithm: FixedWindow, Window: 60 * time.Second, Max: 1}

	require.True(t, s.Allow(context.Background(), "k", cfg).Allowed)
	require.False(t, s.Allow(context.Background(), "k", cfg).Allowed)

	fc.Advance(60 * time.Second)
	require.True(t, s.Allow(context.Background(), "k", cfg).Allowed)
}

func TestSlidingWindowSpecScenario(t *testing.T) {
	// spec.md §8 scenario 5: sliding window max=10/60s, key=ip, 11th
	// request within 60s is rejected with Remaining: 0.
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewMemoryStore(fc)
	cfg := Config{Algorithm: SlidingWindow, Window: 60 * time.Second, Max: 10}

	for i := 0; i < 10; i++ {
		res := s.Allow(context.Background(), "ip:1.2.3.4", cfg)
		require.True(t, res.Allowed)
	}
	res := s.Allow(context.Background(), "ip:1.2.3.4", cfg)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.GreaterOrEqual(t, res.RetryAfter, time.Duration(0))
}

func TestSlidingWindowExpiresOldEntries(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewMemoryStore(fc)
	cfg := Config{Algorithm: SlidingWindow, Window: 10 * time.Second, Max: 2}

	require.True(t, s.Allow(context.Background(), "k", cfg).Allowed)
	require.True(t, s.Allow(context.Background(), "k", cfg).Allowed)
	require.False(t, s.Allow(context.Background(), "k", cfg).Allowed)

	fc.Advance(11 * time.Second)
	require.True(t, s.Allow(context.Background(), "k", cfg).Allowed)
}

func TestTokenBucketDrainsThenRefills(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewMemoryStore(fc)
	cfg := Config{Algorithm: TokenBucket, Window: 10 * time.Second, Max: 5}

	for i := 0; i < 5; i++ {
		require.True(t, s.Allow(context.Background(), "k", cfg).Allowed)
	}
	require.False(t, s.Allow(context.Background(), "k", cfg).Allowed)

	fc.Advance(2 * time.Second) // refill rate 0.5/s -> 1 token
	require.True(t, s.Allow(context.Background(), "k", cfg).Allowed)
	require.False(t, s.Allow(context.Background(), "k", cfg).Allowed)
}

func TestAllowFailsOpenOnInvalidConfig(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewMemoryStore(fc)
	res := s.Allow(context.Background(), "k", Config{Algorithm: FixedWindow, Max: 0, Window: time.Second})
	assert.True(t, res.Allowed)
}

func TestEvictIdleRemovesStaleBuckets(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewMemoryStore(fc)
	cfg := Config{Algorithm: FixedWindow, Window: time.Second, Max: 10}
	s.Allow(context.Background(), "k", cfg)

	fc.Advance(2 * time.Hour)
	evicted := s.EvictIdle()
	assert.Equal(t, 1, evicted)
}

func TestBuildKeyStrategies(t *testing.T) {
	assert.Equal(t, "svc:ip:1.2.3.4", BuildKey(KeyByIP, "svc", "1.2.3.4", "u1", "curl/8"))
	assert.Equal(t, "svc:user:u1", BuildKey(KeyByUser, "svc", "1.2.3.4", "u1", "curl/8"))
	assert.Equal(t, "svc:ipuser:1.2.3.4:u1", BuildKey(KeyByIPUser, "svc", "1.2.3.4", "u1", "curl/8"))
	assert.NotEqual(t, BuildKey(KeyByIPUserAgent, "svc", "1.2.3.4", "u1", "curl/8"), BuildKey(KeyByIPUserAgent, "svc", "1.2.3.4", "u1", "other-agent"))
}
