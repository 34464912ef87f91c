package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterAllowAndReset(t *testing.T) {
	lim := NewMemory(2, time.Second)
	now := time.Now()

	allowed, retry, err := lim.Allow(context.Background(), "caller", now)
	if err != nil || !allowed || retry != 0 {
		t.Fatalf("expected allow on first call")
	}
	allowed, _, err = lim.Allow(context.Background(), "caller", now)
	if err != nil || !allowed {
		t.Fatalf("expected allow on second call")
	}

	allowed, retry, err = lim.Allow(context.Background(), "caller", now)
	if err != nil || allowed {
		t.Fatalf("expected limit on third call")
	}
	if retry <= 0 {
		t.Fatalf("expected retryAfter > 0, got %v", retry)
	}

	allowed, _, err = lim.Allow(context.Background(), "caller", now.Add(2*time.Second))
	if err != nil || !allowed {
		t.Fatalf("expected allow after window reset")
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()

	if allowed, _, _ := lim.Allow(context.Background(), "a", now); !allowed {
		t.Fatalf("expected allow for first key")
	}
	if allowed, _, _ := lim.Allow(context.Background(), "b", now); !allowed {
		t.Fatalf("limit for one key bled into another")
	}
	if allowed, _, _ := lim.Allow(context.Background(), "a", now); allowed {
		t.Fatalf("expected limit for exhausted key")
	}
}

func TestMemoryLimiterCleanup(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()

	lim.Allow(context.Background(), "old", now)
	if len(lim.entries) != 1 {
		t.Fatalf("expected entry")
	}

	lim.Allow(context.Background(), "new", now.Add(2*time.Second))
	if len(lim.entries) != 1 {
		t.Fatalf("expected cleanup to remove expired entries, have %d", len(lim.entries))
	}
}
