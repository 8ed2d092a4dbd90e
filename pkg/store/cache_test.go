package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheMissIsRedisNil(t *testing.T) {
	c := NewMemoryCache()
	if _, err := c.Get(context.Background(), "absent"); !errors.Is(err, redis.Nil) {
		t.Fatalf("miss err = %v, want redis.Nil", err)
	}
}

func TestMemoryCacheSetGetDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatal("deleted key still present")
	}
}

func TestMemoryCacheSetNX(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	ok, err := c.SetNX(ctx, "lock", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx = %v, %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "lock", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx = %v, %v", ok, err)
	}
	got, err := c.Get(ctx, "lock")
	if err != nil || got != "a" {
		t.Fatalf("lock = %q, %v", got, err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", 5*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatal("expired key still present")
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	if _, ok := NewCache(context.Background(), nil).(*MemoryCache); !ok {
		t.Fatal("nil client did not fall back to memory")
	}
}

func TestRedisCacheAgainstMiniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	c := NewCache(ctx, client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("cache backend = %T, want redis", c)
	}

	if err := c.Set(ctx, "authority:https://bank.example.com/authority", "blob", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "authority:https://bank.example.com/authority")
	if err != nil || got != "blob" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if _, err := c.Get(ctx, "absent"); !errors.Is(err, redis.Nil) {
		t.Fatalf("miss err = %v", err)
	}

	ok, err := c.SetNX(ctx, "decision:86344|1", "resp", time.Minute)
	if err != nil || !ok {
		t.Fatalf("setnx = %v, %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "decision:86344|1", "other", time.Minute)
	if err != nil || ok {
		t.Fatalf("repeat setnx = %v, %v", ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, "decision:86344|1"); !errors.Is(err, redis.Nil) {
		t.Fatal("ttl not applied")
	}
}
