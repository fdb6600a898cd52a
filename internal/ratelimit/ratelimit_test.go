package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("Allow in unlimited mode: %v", err)
		}
	}
}

func TestAllow_BurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("op-1"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if err := l.Allow("op-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th request = %v, want ErrRateLimited", err)
	}
}

func TestAllow_PerUserIsolation(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("op-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("op-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("op-1 second request = %v, want ErrRateLimited", err)
	}
	// A different user still has a full bucket.
	if err := l.Allow("op-2"); err != nil {
		t.Fatalf("op-2 first request: %v", err)
	}
}

func TestAllow_Refill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1}) // 100 tokens/s

	if err := l.Allow("op-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("op-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("immediate second request = %v, want ErrRateLimited", err)
	}

	// At 100 tokens/s, one token is back well within 100ms.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := l.Allow("op-1"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("bucket never refilled")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewLimiter_BurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 2})
	if err := l.Allow("op-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("op-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("op-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("3rd request = %v, want ErrRateLimited", err)
	}
}
