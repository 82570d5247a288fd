// Package ratelimit implements the per-key RPM/TPM limits and the per-model
// token bucket on Redis, with atomic Lua scripts where a read-modify-write
// is involved. All limiters degrade gracefully: when Redis is down or not
// configured, requests are allowed.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	window        = time.Minute
	rejectionsKey = "metrics:rate_limit_rejections"
)

// Limit kinds, used in rejection counters and client-facing messages.
const (
	KindRPM    = "rpm"
	KindTPM    = "tpm"
	KindBucket = "bucket"
)

// tpmSumScript prunes entries older than the rolling window and sums the
// token counts of the rest. Members are "{ts_ms}:{rand}:{tokens}"; the
// token count is the suffix after the last colon.
// KEYS[1] = sorted set, ARGV[1] = now_ms, ARGV[2] = window_ms.
var tpmSumScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local sum = 0
		local members = redis.call('ZRANGE', key, 0, -1)
		for _, member in ipairs(members) do
			local tokens = tonumber(string.match(member, "([^:]+)$"))
			if tokens then
				sum = sum + tokens
			end
		end
		return sum
`)

// Verdict is the outcome of a per-key pre-flight check. Remaining values
// are clamped at zero for the response headers.
type Verdict struct {
	Allowed      bool
	Kind         string // rpm or tpm when rejected
	RPMLimit     int
	RPMRemaining int
	TPMLimit     int
	TPMRemaining int
}

// KeyLimiter enforces the per-key RPM fixed window and TPM rolling window.
type KeyLimiter struct {
	rdb *redis.Client
}

// NewKeyLimiter returns a limiter. rdb may be nil; every check then allows.
func NewKeyLimiter(rdb *redis.Client) *KeyLimiter {
	return &KeyLimiter{rdb: rdb}
}

func rpmKey(keyID uint, now time.Time) string {
	return fmt.Sprintf("rpm:%d:%d", keyID, now.Unix()/60)
}

func tpmKey(keyID uint) string {
	return fmt.Sprintf("tpm:%d", keyID)
}

// Check runs the RPM check (which consumes one slot) and the TPM pre-flight
// (which does not consume), in that order. A limit of 0 means unlimited.
func (l *KeyLimiter) Check(ctx context.Context, keyID uint, rpmLimit, tpmLimit int) Verdict {
	v := Verdict{
		Allowed:      true,
		RPMLimit:     rpmLimit,
		RPMRemaining: rpmLimit,
		TPMLimit:     tpmLimit,
		TPMRemaining: tpmLimit,
	}
	if l.rdb == nil {
		return v
	}
	now := time.Now()

	if rpmLimit > 0 {
		key := rpmKey(keyID, now)
		count, err := l.rdb.Incr(ctx, key).Result()
		if err == nil {
			// Two windows so a straggling read at the boundary still sees it.
			l.rdb.Expire(ctx, key, 2*window)
			v.RPMRemaining = clampInt(rpmLimit - int(count))
			if int(count) > rpmLimit {
				v.Allowed = false
				v.Kind = KindRPM
				return v
			}
		}
	}

	if tpmLimit > 0 {
		sum, err := tpmSumScript.Run(ctx, l.rdb,
			[]string{tpmKey(keyID)},
			now.UnixMilli(), window.Milliseconds(),
		).Int()
		if err == nil {
			v.TPMRemaining = clampInt(tpmLimit - sum)
			if sum >= tpmLimit {
				v.Allowed = false
				v.Kind = KindTPM
				return v
			}
		}
	}
	return v
}

// ConsumeTokens charges the TPM window post-flight. Per the charging rule,
// nothing is recorded unless both counts are known and positive.
func (l *KeyLimiter) ConsumeTokens(ctx context.Context, keyID uint, promptTokens, completionTokens int) {
	if promptTokens <= 0 || completionTokens <= 0 {
		return
	}
	l.append(ctx, keyID, promptTokens+completionTokens)
}

// ConsumeInput charges only prompt tokens. Embeddings have no completion
// side, so the both-positive rule of ConsumeTokens does not apply.
func (l *KeyLimiter) ConsumeInput(ctx context.Context, keyID uint, tokens int) {
	if tokens <= 0 {
		return
	}
	l.append(ctx, keyID, tokens)
}

func (l *KeyLimiter) append(ctx context.Context, keyID uint, total int) {
	if l.rdb == nil {
		return
	}
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d:%d", now, rand.Intn(1_000_000), total)
	key := tpmKey(keyID)
	pipe := l.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	pipe.Expire(ctx, key, 2*window)
	pipe.Exec(ctx)
}

// RecordRejection bumps the per-key-comment rejection counter in the Redis
// metrics hash, field "{comment}:{kind}".
func (l *KeyLimiter) RecordRejection(ctx context.Context, comment, kind string) {
	if l.rdb == nil {
		return
	}
	if comment == "" {
		comment = "unknown"
	}
	l.rdb.HIncrBy(ctx, rejectionsKey, comment+":"+kind, 1)
}

func clampInt(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
