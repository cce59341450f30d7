package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFrameLimiter_BurstThenThrottle(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewFrameLimiter(clk, 50)

	for i := 0; i < 50; i++ {
		if !l.Allow() {
			t.Fatalf("frame %d rejected inside burst", i)
		}
	}
	if l.Allow() {
		t.Fatal("frame 50 allowed with burst spent")
	}

	// One per-frame interval buys exactly one more frame.
	clk.Advance(20 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("frame rejected after interval elapsed")
	}
	if l.Allow() {
		t.Fatal("second frame allowed after a single interval")
	}
}

func TestFrameLimiter_IdleDoesNotBankBeyondBurst(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewFrameLimiter(clk, 10)

	clk.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 100; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 10 {
		t.Fatalf("allowed=%d after long idle, want burst of 10", allowed)
	}
}

func TestFrameLimiter_SustainedRate(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewFrameLimiter(clk, 10)

	for i := 0; i < 10; i++ {
		if !l.Allow() {
			t.Fatalf("burst frame %d rejected", i)
		}
	}

	// At steady state each 100ms tick admits exactly one frame.
	for tick := 0; tick < 5; tick++ {
		clk.Advance(100 * time.Millisecond)
		if !l.Allow() {
			t.Fatalf("tick %d: frame rejected at sustained rate", tick)
		}
		if l.Allow() {
			t.Fatalf("tick %d: over-rate frame allowed", tick)
		}
	}
}

func TestFrameLimiter_ClampsZeroRate(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewFrameLimiter(clk, 0)

	if !l.Allow() {
		t.Fatal("first frame rejected at clamped rate")
	}
	if l.Allow() {
		t.Fatal("second frame allowed at 1/sec with no elapsed time")
	}
}
