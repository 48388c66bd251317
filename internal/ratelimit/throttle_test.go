package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// MemoryThrottle
// ---------------------------------------------------------------------------

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryThrottle_MinimumInterval(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := NewMemoryThrottle(2*time.Second, clock.Now)
	ctx := context.Background()

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{0, false},
		{500 * time.Millisecond, false},
		{time.Second, false},
		{600 * time.Millisecond, true},
		{100 * time.Millisecond, false},
		{3 * time.Second, true},
	}

	for i, s := range steps {
		clock.Advance(s.advance)
		got, err := th.Allow(ctx, "c1")
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if got != s.want {
			t.Fatalf("step %d: Allow() = %v, want %v", i, got, s.want)
		}
	}
}

func TestMemoryThrottle_KeysIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	th := NewMemoryThrottle(time.Second, clock.Now)
	ctx := context.Background()

	for _, key := range []string{"c1", "c2", "c3"} {
		if ok, _ := th.Allow(ctx, key); !ok {
			t.Errorf("first Allow(%q) should pass", key)
		}
	}
	if ok, _ := th.Allow(ctx, "c1"); ok {
		t.Error("second Allow(c1) should be throttled")
	}
}

func TestMemoryThrottle_Reset(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	th := NewMemoryThrottle(time.Minute, clock.Now)
	ctx := context.Background()

	th.Allow(ctx, "c1")
	th.Reset(ctx, "c1")
	if ok, _ := th.Allow(ctx, "c1"); !ok {
		t.Error("Allow after Reset should pass")
	}
}

func TestMemoryThrottle_SweepsIdleKeys(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	th := NewMemoryThrottle(time.Second, clock.Now)
	ctx := context.Background()

	for i := 0; i <= sweepThreshold; i++ {
		th.Allow(ctx, fmt.Sprintf("k%d", i))
	}
	clock.Advance(2 * time.Second)
	th.Allow(ctx, "fresh")

	th.mu.Lock()
	n := len(th.m)
	th.mu.Unlock()
	if n != 1 {
		t.Errorf("expected idle keys swept, %d remain", n)
	}
}

func TestMemoryThrottle_ZeroIntervalNeverThrottles(t *testing.T) {
	th := NewMemoryThrottle(0, nil)
	for i := 0; i < 5; i++ {
		if ok, _ := th.Allow(context.Background(), "c1"); !ok {
			t.Fatalf("call %d throttled with zero interval", i)
		}
	}
}

// ---------------------------------------------------------------------------
// RedisThrottle
// ---------------------------------------------------------------------------

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return client
}

func TestRedisThrottle_Window(t *testing.T) {
	client := newTestRedis(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 200 * time.Millisecond}
	th := NewRedisThrottle(client, rule, nil)
	ctx := context.Background()
	id := fmt.Sprintf("window-%d", time.Now().UnixNano())

	if ok, err := th.Allow(ctx, id); err != nil || !ok {
		t.Fatalf("first Allow() = %v, %v; want true, nil", ok, err)
	}
	if ok, _ := th.Allow(ctx, id); ok {
		t.Fatal("second Allow() inside window should be throttled")
	}
	time.Sleep(300 * time.Millisecond)
	if ok, _ := th.Allow(ctx, id); !ok {
		t.Fatal("Allow() after window should pass")
	}
}

func TestRedisThrottle_ResetReopensWindow(t *testing.T) {
	client := newTestRedis(t)
	th := NewRedisThrottle(client, Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}, nil)
	ctx := context.Background()
	id := fmt.Sprintf("reset-%d", time.Now().UnixNano())

	if ok, _ := th.Allow(ctx, id); !ok {
		t.Fatal("first Allow() should pass")
	}
	if ok, _ := th.Allow(ctx, id); ok {
		t.Fatal("second Allow() inside window should be throttled")
	}
	if err := th.Reset(ctx, id); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if ok, _ := th.Allow(ctx, id); !ok {
		t.Error("Allow() after Reset should pass")
	}
	if err := th.Reset(ctx, "never-seen"); err != nil {
		t.Errorf("Reset() of unknown key: %v", err)
	}
}

func TestRedisThrottle_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	th := NewRedisThrottle(client, TypingRule(time.Second), nil)

	ok, err := th.Allow(context.Background(), "c1")
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !ok {
		t.Error("expected fail-open Allow() = true")
	}
}
