package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_AllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 10, Burst: 3})

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("call %d: expected allow within burst", i)
		}
	}
	if l.Allow() {
		t.Fatal("expected fourth immediate call to exceed burst")
	}
}

func TestLimiter_DefaultsFillZeroValues(t *testing.T) {
	l := New(Config{})
	if l.config.RequestsPerSecond != 50 {
		t.Errorf("RequestsPerSecond = %v, want 50", l.config.RequestsPerSecond)
	}
	if l.config.Burst != 100 {
		t.Errorf("Burst = %v, want 100", l.config.Burst)
	}
}

func TestLimiter_WaitRespectsContextCancellation(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	l.Allow() // drain the single burst token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected Wait to observe context deadline")
	}
}

func TestRegistry_UsesOverridePerChannel(t *testing.T) {
	reg := NewRegistry(
		Config{RequestsPerSecond: 50, Burst: 100},
		map[string]Config{
			"webhook": {RequestsPerSecond: 1, Burst: 1},
		},
	)

	webhook := reg.For("webhook")
	if !webhook.Allow() {
		t.Fatal("expected first webhook call to be allowed")
	}
	if webhook.Allow() {
		t.Fatal("expected webhook channel's tight burst to be exhausted")
	}

	// A channel with no override falls back to the registry default, which
	// has ample burst left.
	email := reg.For("email")
	if !email.Allow() {
		t.Fatal("expected email channel to use the default budget, not webhook's")
	}
}

func TestRegistry_ForReturnsSameLimiterOnRepeatedCalls(t *testing.T) {
	reg := NewRegistry(DefaultConfig(), nil)
	if reg.For("queue") != reg.For("queue") {
		t.Fatal("expected the same *Limiter instance across calls for one channel")
	}
}
