package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	l := NewInMemory(time.Minute)
	for i := 1; i <= 3; i++ {
		d := l.Allow("payee-1", 3)
		if !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if d.Count != i || d.Remaining != 3-i {
			t.Fatalf("request %d: %+v", i, d)
		}
	}
	d := l.Allow("payee-1", 3)
	if d.Allowed {
		t.Fatal("fourth request allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d", d.Remaining)
	}

	// other keys are independent
	if d := l.Allow("payee-2", 3); !d.Allowed {
		t.Fatal("fresh key denied")
	}
}

func TestInMemoryLimiterWindowReset(t *testing.T) {
	l := NewInMemory(10 * time.Millisecond)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("first denied")
	}
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatal("second allowed inside window")
	}
	time.Sleep(20 * time.Millisecond)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("denied after window reset")
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedis(client, time.Minute)
	for i := 1; i <= 2; i++ {
		if d := l.Allow("payee-1", 2); !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	d := l.Allow("payee-1", 2)
	if d.Allowed {
		t.Fatal("over-limit request allowed")
	}
	if d.Count != 3 {
		t.Fatalf("count = %d", d.Count)
	}

	mr.FastForward(2 * time.Minute)
	if d := l.Allow("payee-1", 2); !d.Allowed {
		t.Fatal("denied after window expiry")
	}
}

func TestRedisLimiterFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedis(client, time.Minute)
	mr.Close()
	_ = client.Close()

	// redis gone; decisions still come from the in-memory fallback
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("first fallback request denied")
	}
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatal("fallback did not enforce the limit")
	}
}
