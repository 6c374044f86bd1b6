package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/redis/go-redis/v9"

	"github.com/Mir00r/gateway-mesh/internal/obslog"
)

// RedisStore is the optional distributed rate-limit backend
// (policies.rate_limit.backend == "redis"), grounded on the teacher's
// collaboration-service/internal/redis.Service.CheckRateLimit
// INCR+EXPIRE pipeline, extended with a sorted-set sliding window and a
// hash-backed token bucket. Every method fails open on a Redis error, in
// line with spec.md §4.6's "bucket-store errors MUST fail open."
type RedisStore struct {
	client *redis.Client
	log    obslog.Sink
	prefix string
}

// NewRedisStore builds a Redis-backed rate-limit store.
func NewRedisStore(client *redis.Client, log obslog.Sink) *RedisStore {
	return &RedisStore{client: client, log: log, prefix: "gateway-mesh:ratelimit:"}
}

func (r *RedisStore) Allow(ctx context.Context, key string, cfg Config) Result {
	if cfg.Max <= 0 || cfg.Window <= 0 {
		return Result{Allowed: true}
	}

	switch cfg.Algorithm {
	case SlidingWindow:
		return r.allowSliding(ctx, key, cfg)
	case TokenBucket:
		return r.allowTokenBucket(ctx, key, cfg)
	case FixedWindow:
		fallthrough
	default:
		return r.allowFixed(ctx, key, cfg)
	}
}

func (r *RedisStore) failOpen(key string, err error) Result {
	r.log.Event(logrus.WarnLevel, "", logrus.Fields{"bucket_key": key, "error": err.Error()}, "rate limit store error, failing open")
	return Result{Allowed: true}
}

// allowFixed mirrors the teacher's CheckRateLimit: INCR then EXPIRE NX,
// executed in a pipeline for a single round trip.
func (r *RedisStore) allowFixed(ctx context.Context, key string, cfg Config) Result {
	redisKey := r.prefix + "fixed:" + key

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.failOpen(key, err)
	}

	count := int(incr.Val())
	ttl, err := r.client.TTL(ctx, redisKey).Result()
	if err != nil {
		return r.failOpen(key, err)
	}
	resetAt := time.Now().Add(ttl)

	if count > cfg.Max {
		return Result{Allowed: false, Limit: cfg.Max, Remaining: 0, ResetAt: resetAt, RetryAfter: ttl}
	}
	remaining := cfg.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: cfg.Max, Remaining: remaining, ResetAt: resetAt}
}

// allowSliding keeps a sorted set of request timestamps scored by their
// own unix-nano value, trimming anything outside the window before
// counting.
func (r *RedisStore) allowSliding(ctx context.Context, key string, cfg Config) Result {
	redisKey := r.prefix + "sliding:" + key
	now := time.Now()
	cutoff := now.Add(-cfg.Window)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", itoaFloat(float64(cutoff.UnixNano())))
	count := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.failOpen(key, err)
	}

	resetAt := now.Add(cfg.Window)
	if int(count.Val()) >= cfg.Max {
		return Result{Allowed: false, Limit: cfg.Max, Remaining: 0, ResetAt: resetAt, RetryAfter: cfg.Window}
	}

	member := redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()}
	addPipe := r.client.Pipeline()
	addPipe.ZAdd(ctx, redisKey, member)
	addPipe.Expire(ctx, redisKey, cfg.Window)
	if _, err := addPipe.Exec(ctx); err != nil {
		return r.failOpen(key, err)
	}

	return Result{Allowed: true, Limit: cfg.Max, Remaining: cfg.Max - int(count.Val()) - 1, ResetAt: resetAt}
}

// allowTokenBucket stores {tokens, lastRefillUnixNano} in a hash and
// recomputes the refill on read. This is a best-effort, non-transactional
// approximation (two round trips, no Lua script) acceptable under
// spec.md §4.6's fail-open contract.
func (r *RedisStore) allowTokenBucket(ctx context.Context, key string, cfg Config) Result {
	redisKey := r.prefix + "tokenbucket:" + key
	now := time.Now()

	vals, err := r.client.HMGet(ctx, redisKey, "tokens", "last_refill").Result()
	if err != nil {
		return r.failOpen(key, err)
	}

	tokens := float64(cfg.Max)
	lastRefill := now
	if len(vals) == 2 && vals[0] != nil && vals[1] != nil {
		tokens = parseFloat(vals[0])
		lastRefill = time.Unix(0, int64(parseFloat(vals[1])))
	}

	refillRate := float64(cfg.Max) / cfg.Window.Seconds()
	tokens += now.Sub(lastRefill).Seconds() * refillRate
	if tokens > float64(cfg.Max) {
		tokens = float64(cfg.Max)
	}

	resetAt := now.Add(cfg.Window)
	if tokens < 1 {
		missing := 1 - tokens
		wait := time.Duration(missing / refillRate * float64(time.Second))
		r.persistTokenBucket(ctx, redisKey, tokens, now, cfg.Window)
		return Result{Allowed: false, Limit: cfg.Max, Remaining: 0, ResetAt: resetAt, RetryAfter: wait}
	}

	tokens--
	r.persistTokenBucket(ctx, redisKey, tokens, now, cfg.Window)
	return Result{Allowed: true, Limit: cfg.Max, Remaining: int(tokens), ResetAt: resetAt}
}

func (r *RedisStore) persistTokenBucket(ctx context.Context, redisKey string, tokens float64, now time.Time, window time.Duration) {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, redisKey, "tokens", tokens, "last_refill", now.UnixNano())
	pipe.Expire(ctx, redisKey, window*2)
	_, _ = pipe.Exec(ctx)
}

func parseFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func itoaFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 0, 64)
}
