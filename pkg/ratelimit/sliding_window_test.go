package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalLimiterAllow(t *testing.T) {
	l := NewLocalLimiter(3, 50*time.Millisecond)
	defer l.Close()

	for i := 0; i < 3; i++ {
		allowed, remaining := l.Allow("student-1")
		if !allowed {
			t.Fatalf("event %d should be allowed", i)
		}
		if remaining != 3-i-1 {
			t.Errorf("event %d remaining = %d, want %d", i, remaining, 3-i-1)
		}
	}

	if allowed, _ := l.Allow("student-1"); allowed {
		t.Fatal("fourth event in window should be rejected")
	}

	// an unrelated identity has its own budget
	if allowed, _ := l.Allow("student-2"); !allowed {
		t.Fatal("independent key should be allowed")
	}

	time.Sleep(60 * time.Millisecond)
	if allowed, _ := l.Allow("student-1"); !allowed {
		t.Fatal("window expiry should restore the budget")
	}
}

func TestLocalLimiterReset(t *testing.T) {
	l := NewLocalLimiter(1, time.Minute)
	defer l.Close()

	l.Allow("k")
	if allowed, _ := l.Allow("k"); allowed {
		t.Fatal("budget exhausted")
	}
	l.Reset("k")
	if allowed, _ := l.Allow("k"); !allowed {
		t.Fatal("reset should restore the budget")
	}
}

func TestSlidingWindowFallsBackWithoutRedis(t *testing.T) {
	s := NewSlidingWindowLimiter(nil, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if allowed, _ := s.Allow(ctx, "k"); !allowed {
			t.Fatalf("event %d should pass through the local fallback", i)
		}
	}
	if allowed, _ := s.Allow(ctx, "k"); allowed {
		t.Fatal("fallback should enforce the cap")
	}
	if err := s.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if allowed, _ := s.Allow(ctx, "k"); !allowed {
		t.Fatal("reset should restore the budget")
	}
}
