package ratelimit

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		PerMinute:     3,
		PerHour:       1000,
		Burst:         10,
		BurstWindow:   time.Second,
		MaxViolations: 2,
		PenaltyWindow: 50 * time.Millisecond,
	}
}

func TestAllowRejectsAfterPerMinuteBudget(t *testing.T) {
	l := New(testConfig())
	for i := 0; i < 3; i++ {
		if r := l.Allow("c1", "command:request"); !r.Allowed {
			t.Fatalf("expected message %d to be allowed", i)
		}
	}
	r := l.Allow("c1", "command:request")
	if r.Allowed {
		t.Fatal("expected 4th message within the window to be rejected")
	}
	if r.RetryAfter <= 0 {
		t.Fatal("expected a positive retry-after")
	}
}

func TestTypeOverrideGetsOwnBudget(t *testing.T) {
	cfg := testConfig()
	cfg.TypeOverrides = map[string]TypeOverride{
		"terminal:output": {PerMinute: 100, Burst: 100},
	}
	l := New(cfg)

	for i := 0; i < 3; i++ {
		l.Allow("c1", "command:request")
	}
	if r := l.Allow("c1", "command:request"); r.Allowed {
		t.Fatal("expected default axis exhausted")
	}
	if r := l.Allow("c1", "terminal:output"); !r.Allowed {
		t.Fatal("expected overridden type to have its own budget")
	}
}

func TestMaxViolationsSignalsClose(t *testing.T) {
	l := New(testConfig())
	for i := 0; i < 3; i++ {
		l.Allow("c1", "command:request")
	}
	var last Result
	for i := 0; i < 3; i++ {
		last = l.Allow("c1", "command:request")
	}
	if !last.Closed {
		t.Fatal("expected Closed=true after exceeding MaxViolations")
	}
}

func TestResetViolationsClearsPenalty(t *testing.T) {
	l := New(testConfig())
	for i := 0; i < 4; i++ {
		l.Allow("c1", "command:request")
	}
	l.ResetViolations("c1")
	if penalty, _ := l.penaltyFor("c1"); penalty != 0 {
		t.Fatalf("expected no penalty after reset, got %v", penalty)
	}
}
