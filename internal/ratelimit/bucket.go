package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript refills a token bucket by elapsed time and tries to take n
// tokens, atomically.
// KEYS[1] = bucket hash
// ARGV[1] = capacity, ARGV[2] = refill per second, ARGV[3] = now_ms, ARGV[4] = n
// Returns remaining tokens, or -1 when the bucket cannot cover n.
var bucketScript = redis.NewScript(`
		local key      = KEYS[1]
		local capacity = tonumber(ARGV[1])
		local rate     = tonumber(ARGV[2])
		local now      = tonumber(ARGV[3])
		local n        = tonumber(ARGV[4])

		local data   = redis.call('HMGET', key, 'tokens', 'ts')
		local tokens = tonumber(data[1])
		local ts     = tonumber(data[2])
		if tokens == nil then
			tokens = capacity
			ts = now
		end

		tokens = math.min(capacity, tokens + (now - ts) / 1000 * rate)
		if tokens < n then
			redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
			redis.call('PEXPIRE', key, 300000)
			return -1
		end

		tokens = tokens - n
		redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
		redis.call('PEXPIRE', key, 300000)
		return math.floor(tokens)
`)

// BucketConfig is one model's bucket shape. PerKey scopes the bucket to
// (model, bearer) instead of the model alone.
type BucketConfig struct {
	Capacity   int
	RefillRate float64 // tokens per second
	PerKey     bool
}

// BucketLimiter is the per-model token bucket. Overrides are replaced
// copy-on-write so Consume never takes the write path's lock.
type BucketLimiter struct {
	rdb        *redis.Client
	capacity   int
	refillRate float64

	mu        sync.Mutex
	overrides map[string]BucketConfig // replaced wholesale on write
}

// NewBucketLimiter returns a limiter with the default bucket shape.
// rdb may be nil; every consume then succeeds.
func NewBucketLimiter(rdb *redis.Client, capacity int, refillRate float64) *BucketLimiter {
	l := &BucketLimiter{
		rdb:        rdb,
		capacity:   capacity,
		refillRate: refillRate,
		overrides:  map[string]BucketConfig{},
	}
	return l
}

// SetOverride installs or replaces one model's bucket shape.
func (l *BucketLimiter) SetOverride(model string, cfg BucketConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make(map[string]BucketConfig, len(l.overrides)+1)
	for k, v := range l.overrides {
		next[k] = v
	}
	next[model] = cfg
	l.overrides = next
}

func (l *BucketLimiter) config(model string) BucketConfig {
	l.mu.Lock()
	overrides := l.overrides
	l.mu.Unlock()
	if cfg, ok := overrides[model]; ok {
		return cfg
	}
	return BucketConfig{Capacity: l.capacity, RefillRate: l.refillRate}
}

// Consume takes n tokens from the model's bucket. It returns the remaining
// tokens and whether the request may proceed. A zero-capacity default
// disables the bucket entirely.
func (l *BucketLimiter) Consume(ctx context.Context, model, bearer string, n int) (int, bool) {
	cfg := l.config(model)
	if l.rdb == nil || cfg.Capacity <= 0 {
		return cfg.Capacity, true
	}

	key := "tb:" + model
	if cfg.PerKey && bearer != "" {
		key += ":" + bearer
	}
	remaining, err := bucketScript.Run(ctx, l.rdb,
		[]string{key},
		cfg.Capacity, cfg.RefillRate, time.Now().UnixMilli(), n,
	).Int()
	if err != nil {
		// Redis unavailable; let the request through.
		return cfg.Capacity, true
	}
	if remaining < 0 {
		return 0, false
	}
	return remaining, true
}

// Limit returns the bucket capacity for the model, for response headers.
func (l *BucketLimiter) Limit(model string) int {
	return l.config(model).Capacity
}
