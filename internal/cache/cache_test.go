package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "reqid:1:absent"); ok {
		t.Fatal("hit on an absent key")
	}

	want := []byte(`{"format":"openai","body":"{}"}`)
	if err := c.Set(ctx, "reqid:1:req-a", want, time.Hour); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get(ctx, "reqid:1:req-a")
	if !ok || string(got) != string(want) {
		t.Fatalf("got %q ok=%v", got, ok)
	}

	if err := c.Delete(ctx, "reqid:1:req-a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "reqid:1:req-a"); ok {
		t.Error("hit after delete")
	}
}

func TestRedisCacheTTLExpires(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "reqid:1:req-b", []byte("x"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(11 * time.Second)
	if _, ok := c.Get(ctx, "reqid:1:req-b"); ok {
		t.Error("entry survived its TTL")
	}
}

func TestRedisCacheDegradesWhenDown(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	mr.Close()

	// A dead Redis must look like a miss, never an error.
	if data, ok := c.Get(ctx, "reqid:1:any"); ok || data != nil {
		t.Errorf("got %q ok=%v with redis down", data, ok)
	}
	if err := c.Set(ctx, "reqid:1:any", []byte("x"), time.Hour); err != nil {
		t.Errorf("Set surfaced the redis error: %v", err)
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(context.Background())
	ctx := context.Background()

	if _, ok := c.Get(ctx, "reqid:2:absent"); ok {
		t.Fatal("hit on an absent key")
	}
	if err := c.Set(ctx, "reqid:2:req-a", []byte("body"), time.Hour); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get(ctx, "reqid:2:req-a")
	if !ok || string(got) != "body" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if err := c.Delete(ctx, "reqid:2:req-a"); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("len = %d after delete", c.Len())
	}
}

func TestMemoryCacheLazyExpiry(t *testing.T) {
	c := NewMemoryCache(context.Background())
	ctx := context.Background()

	c.Set(ctx, "reqid:2:req-b", []byte("x"), time.Millisecond) //nolint:errcheck
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(ctx, "reqid:2:req-b"); ok {
		t.Fatal("expired entry returned")
	}
	// The expired read evicts the entry.
	if c.Len() != 0 {
		t.Errorf("len = %d after expired read", c.Len())
	}
}

func TestMemoryCacheDefaultTTL(t *testing.T) {
	c := NewMemoryCache(context.Background())
	ctx := context.Background()

	c.Set(ctx, "reqid:2:req-c", []byte("x"), 0) //nolint:errcheck
	if _, ok := c.Get(ctx, "reqid:2:req-c"); !ok {
		t.Error("zero ttl must fall back to the default retention")
	}
}
