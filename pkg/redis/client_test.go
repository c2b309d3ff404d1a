package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeStore struct {
	values map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}}
}

func (f *fakeStore) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeStore) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.values[key] = toString(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStore) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = toString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) Incr(_ context.Context, key string) *redis.IntCmd {
	count := int64(1)
	if v, ok := f.values[key]; ok && v != "" {
		count = int64(len(v)) + 1
	}
	f.values[key] = string(make([]byte, count))
	return redis.NewIntResult(count, nil)
}

func (f *fakeStore) Expire(context.Context, string, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var removed int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func toString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return "1"
}

func TestKeyBuilders(t *testing.T) {
	c := &Client{}
	if got := c.IdempotencyKey("webhook:stripe", "evt_123"); got != "mf:idempotency:webhook:stripe:evt_123" {
		t.Fatalf("unexpected idempotency key %q", got)
	}
	if got := c.LockKey("renewal-sweep"); got != "mf:lock:renewal-sweep" {
		t.Fatalf("unexpected lock key %q", got)
	}
	if got := c.RateLimitKey("webhooks"); got != "mf:rate_limit:webhooks" {
		t.Fatalf("unexpected rate limit key %q", got)
	}
}

func TestSetNXActsOnce(t *testing.T) {
	c := &Client{store: newFakeStore()}
	ctx := context.Background()

	key := c.IdempotencyKey("webhook:square", "evt_9")
	ok, err := c.SetNX(ctx, key, "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX should win: ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, key, "1", time.Minute)
	if err != nil {
		t.Fatalf("second SetNX errored: %v", err)
	}
	if ok {
		t.Fatal("second SetNX should lose")
	}

	if err := c.Del(ctx, key); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	ok, err = c.SetNX(ctx, key, "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX after Del should win: ok=%v err=%v", ok, err)
	}
}

func TestFixedWindowAllow(t *testing.T) {
	c := &Client{store: newFakeStore()}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		allowed, count, err := c.FixedWindowAllow(ctx, "webhooks", 2, time.Minute)
		if err != nil {
			t.Fatalf("FixedWindowAllow: %v", err)
		}
		if int64(i) != count {
			t.Fatalf("expected count %d, got %d", i, count)
		}
		if i <= 2 && !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if i == 3 && allowed {
			t.Fatal("request 3 should be limited")
		}
	}
}

func TestUninitializedClientErrors(t *testing.T) {
	c := &Client{}
	if _, err := c.Get(context.Background(), "x"); err == nil {
		t.Fatal("expected error from uninitialized client")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error from uninitialized client")
	}
}
