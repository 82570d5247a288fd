package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/modelgate/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestKeyLimiterRPM(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewKeyLimiter(rdb)
	ctx := context.Background()

	const limit = 3
	for i := 0; i < limit; i++ {
		v := l.Check(ctx, 1, limit, 0)
		if !v.Allowed {
			t.Fatalf("request %d rejected under limit", i)
		}
	}
	v := l.Check(ctx, 1, limit, 0)
	if v.Allowed {
		t.Error("expected rejection over RPM limit")
	}
	if v.Kind != ratelimit.KindRPM {
		t.Errorf("kind = %q", v.Kind)
	}
	if v.RPMRemaining != 0 {
		t.Errorf("remaining = %d", v.RPMRemaining)
	}

	// A different key has its own window.
	if v := l.Check(ctx, 2, limit, 0); !v.Allowed {
		t.Error("other key rejected")
	}
}

func TestKeyLimiterZeroMeansUnlimited(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewKeyLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if v := l.Check(ctx, 1, 0, 0); !v.Allowed {
			t.Fatalf("request %d rejected with unlimited key", i)
		}
	}
}

func TestKeyLimiterTPMPreflightDoesNotConsume(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewKeyLimiter(rdb)
	ctx := context.Background()

	// Pre-flight alone never fills the window.
	for i := 0; i < 50; i++ {
		if v := l.Check(ctx, 1, 0, 100); !v.Allowed {
			t.Fatalf("pre-flight %d consumed tokens", i)
		}
	}

	l.ConsumeTokens(ctx, 1, 60, 40)
	v := l.Check(ctx, 1, 0, 100)
	if v.Allowed {
		t.Error("expected TPM rejection at the limit")
	}
	if v.Kind != ratelimit.KindTPM {
		t.Errorf("kind = %q", v.Kind)
	}
}

func TestConsumeTokensSkipsUnknownCounts(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewKeyLimiter(rdb)
	ctx := context.Background()

	l.ConsumeTokens(ctx, 1, -1, 500)
	l.ConsumeTokens(ctx, 1, 500, -1)
	l.ConsumeTokens(ctx, 1, 0, 0)

	if v := l.Check(ctx, 1, 0, 10); !v.Allowed {
		t.Error("unknown counts were charged")
	}
}

func TestTPMWindowRolls(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewKeyLimiter(rdb)
	ctx := context.Background()

	l.ConsumeTokens(ctx, 1, 80, 40)
	if v := l.Check(ctx, 1, 0, 100); v.Allowed {
		t.Fatal("expected rejection inside the window")
	}

	// An entry older than the rolling window is pruned on the next check.
	rdb.ZAdd(ctx, "tpm:2", redis.Z{
		Score:  float64(time.Now().Add(-2 * time.Minute).UnixMilli()),
		Member: "0:0:999999",
	})
	if v := l.Check(ctx, 2, 0, 100); !v.Allowed {
		t.Error("expired tokens still counted")
	}
}

func TestRecordRejection(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := ratelimit.NewKeyLimiter(rdb)
	ctx := context.Background()

	l.RecordRejection(ctx, "alice", ratelimit.KindRPM)
	l.RecordRejection(ctx, "alice", ratelimit.KindRPM)
	l.RecordRejection(ctx, "alice", ratelimit.KindTPM)
	l.RecordRejection(ctx, "", ratelimit.KindTPM)

	if got := mr.HGet("metrics:rate_limit_rejections", "alice:rpm"); got != "2" {
		t.Errorf("alice:rpm = %q", got)
	}
	if got := mr.HGet("metrics:rate_limit_rejections", "alice:tpm"); got != "1" {
		t.Errorf("alice:tpm = %q", got)
	}
	if got := mr.HGet("metrics:rate_limit_rejections", "unknown:tpm"); got != "1" {
		t.Errorf("unknown:tpm = %q", got)
	}
}

func TestKeyLimiterDegradesWithoutRedis(t *testing.T) {
	l := ratelimit.NewKeyLimiter(nil)
	if v := l.Check(context.Background(), 1, 1, 1); !v.Allowed {
		t.Error("nil redis must allow")
	}

	rdb, mr := newTestRedis(t)
	mr.Close()
	l = ratelimit.NewKeyLimiter(rdb)
	if v := l.Check(context.Background(), 1, 1, 1); !v.Allowed {
		t.Error("dead redis must allow")
	}
}

func TestBucketConsumeAndRefill(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewBucketLimiter(rdb, 2, 1000) // fast refill for the test
	ctx := context.Background()

	remaining, ok := l.Consume(ctx, "gpt-4o", "", 1)
	if !ok || remaining != 1 {
		t.Fatalf("first consume: remaining=%d ok=%v", remaining, ok)
	}
	if _, ok := l.Consume(ctx, "gpt-4o", "", 1); !ok {
		t.Fatal("second consume rejected")
	}
	// Bucket drained; an immediate third draw may or may not be covered by
	// refill, so drain with a huge n to force rejection.
	if _, ok := l.Consume(ctx, "gpt-4o", "", 1000); ok {
		t.Error("oversized consume allowed")
	}

	time.Sleep(10 * time.Millisecond)
	if _, ok := l.Consume(ctx, "gpt-4o", "", 1); !ok {
		t.Error("bucket did not refill")
	}
}

func TestBucketOverrides(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewBucketLimiter(rdb, 100, 1)
	ctx := context.Background()

	l.SetOverride("tiny-model", ratelimit.BucketConfig{Capacity: 1, RefillRate: 0.001})
	if _, ok := l.Consume(ctx, "tiny-model", "", 1); !ok {
		t.Fatal("first consume rejected")
	}
	if _, ok := l.Consume(ctx, "tiny-model", "", 1); ok {
		t.Error("override capacity not enforced")
	}
	if l.Limit("tiny-model") != 1 {
		t.Errorf("limit = %d", l.Limit("tiny-model"))
	}
	if l.Limit("other") != 100 {
		t.Errorf("default limit = %d", l.Limit("other"))
	}

	// Per-key scoping gives each bearer its own bucket.
	l.SetOverride("scoped", ratelimit.BucketConfig{Capacity: 1, RefillRate: 0.001, PerKey: true})
	if _, ok := l.Consume(ctx, "scoped", "key-a", 1); !ok {
		t.Fatal("key-a rejected")
	}
	if _, ok := l.Consume(ctx, "scoped", "key-b", 1); !ok {
		t.Error("key-b shares key-a's bucket")
	}
}

func TestBucketKeyLayout(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := ratelimit.NewBucketLimiter(rdb, 5, 1)
	ctx := context.Background()

	l.Consume(ctx, "gpt-4o", "sk-a", 1)
	if !mr.Exists("tb:gpt-4o") {
		t.Errorf("bucket state not under tb:{model}; keys = %v", mr.Keys())
	}

	l.SetOverride("scoped", ratelimit.BucketConfig{Capacity: 5, RefillRate: 1, PerKey: true})
	l.Consume(ctx, "scoped", "sk-a", 1)
	if !mr.Exists("tb:scoped:sk-a") {
		t.Errorf("per-key bucket not under tb:{model}:{key}; keys = %v", mr.Keys())
	}
}

func TestBucketZeroCapacityDisables(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewBucketLimiter(rdb, 0, 0)
	for i := 0; i < 10; i++ {
		if _, ok := l.Consume(context.Background(), "m", "", 1); !ok {
			t.Fatal("disabled bucket rejected")
		}
	}
}
