package server

import (
	"testing"
	"time"

	"tubepanel/internal/testsupport/redisstub"
)

func TestAllowLoginInMemoryBuckets(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowLogin("192.0.2.1")
		if err != nil || !allowed {
			t.Fatalf("attempt %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, retry, err := rl.AllowLogin("192.0.2.1")
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if allowed {
		t.Fatal("expected third attempt to be throttled")
	}
	if retry <= 0 {
		t.Fatalf("expected a retry hint, got %v", retry)
	}

	// Another key has its own bucket.
	allowed, _, err = rl.AllowLogin("192.0.2.2")
	if err != nil || !allowed {
		t.Fatalf("other key: allowed=%v err=%v", allowed, err)
	}
}

func TestAllowLoginRedisBacked(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	rl := newRateLimiter(RateLimitConfig{
		LoginLimit:    2,
		LoginWindow:   time.Minute,
		RedisAddr:     srv.Addr(),
		RedisPassword: "secret",
		RedisTimeout:  time.Second,
	})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowLogin("192.0.2.1")
		if err != nil || !allowed {
			t.Fatalf("attempt %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, retry, err := rl.AllowLogin("192.0.2.1")
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if allowed {
		t.Fatal("expected third attempt to be throttled")
	}
	if retry < 0 {
		t.Fatalf("expected a non-negative retry, got %v", retry)
	}

	// Counters live under the panel's namespace.
	keys := srv.CounterKeys()
	if len(keys) != 1 || keys[0] != loginKeyPrefix+"192.0.2.1" {
		t.Fatalf("expected a %q-prefixed counter, got %v", loginKeyPrefix, keys)
	}
}

func TestGlobalBucketRefills(t *testing.T) {
	bucket := newTokenBucket(100, 1)
	if !bucket.Allow() {
		t.Fatal("first token should be available")
	}
	if bucket.Allow() {
		t.Fatal("burst of one must throttle the second immediate call")
	}
	time.Sleep(20 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("bucket should refill at the configured rate")
	}
}
