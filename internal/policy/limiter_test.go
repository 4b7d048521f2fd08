package policy

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterAllowsUpToLimit(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "k", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	ok, err := l.Allow(ctx, "k", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("4th request should be rejected")
	}
}

func TestMemoryLimiterZeroLimitAlwaysRejects(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Close()
	ok, err := l.Allow(context.Background(), "blocked-tier", 0, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("zero limit must always reject")
	}
}

func TestMemoryLimiterWindowExpiry(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Close()
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "k", 1, 20*time.Millisecond)
	if !ok {
		t.Fatal("first request should be allowed")
	}
	ok, _ = l.Allow(ctx, "k", 1, 20*time.Millisecond)
	if ok {
		t.Fatal("second request within window should be rejected")
	}

	time.Sleep(30 * time.Millisecond)
	ok, _ = l.Allow(ctx, "k", 1, 20*time.Millisecond)
	if !ok {
		t.Fatal("request after window expiry should be allowed")
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Close()
	ctx := context.Background()

	l.Allow(ctx, "a", 1, time.Minute)
	ok, _ := l.Allow(ctx, "b", 1, time.Minute)
	if !ok {
		t.Fatal("a separate key should not be affected by a's usage")
	}
}

func TestMemoryLimiterRetryAfter(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Close()
	ctx := context.Background()

	l.Allow(ctx, "k", 1, 50*time.Millisecond)
	d, err := l.RetryAfter(ctx, "k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("RetryAfter: %v", err)
	}
	if d <= 0 || d > 50*time.Millisecond {
		t.Errorf("RetryAfter = %v, want within (0, 50ms]", d)
	}
}

func TestMemoryLimiterRetryAfterEmptyKey(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Close()
	d, err := l.RetryAfter(context.Background(), "never-used", time.Minute)
	if err != nil {
		t.Fatalf("RetryAfter: %v", err)
	}
	if d != 0 {
		t.Errorf("RetryAfter for unused key = %v, want 0", d)
	}
}
