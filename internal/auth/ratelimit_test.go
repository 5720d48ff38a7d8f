package auth

import (
	"testing"
	"time"
)

func TestRateLimiterBlocksAfterFailures(t *testing.T) {
	clk := newMockClock()
	rl := NewRateLimiter(clk)

	for i := 0; i < maxKeyFailures; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("attempt %d should be allowed", i)
		}
		rl.RecordFailure("1.2.3.4")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("ip should be blocked after max failures")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("other ip should not be blocked")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	clk := newMockClock()
	rl := NewRateLimiter(clk)

	for i := 0; i < maxKeyFailures-1; i++ {
		rl.RecordFailure("1.2.3.4")
	}
	clk.Advance(failureWindow + time.Second)

	// The stale window is discarded, so one more failure does not block.
	rl.RecordFailure("1.2.3.4")
	if !rl.Allow("1.2.3.4") {
		t.Error("failures outside the window should not count")
	}
}

func TestRateLimiterBlockExpires(t *testing.T) {
	clk := newMockClock()
	rl := NewRateLimiter(clk)

	for i := 0; i < maxKeyFailures; i++ {
		rl.RecordFailure("1.2.3.4")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("ip should be blocked")
	}
	clk.Advance(blockDuration + time.Second)
	if !rl.Allow("1.2.3.4") {
		t.Error("block should expire after the cooldown")
	}
}

func TestRateLimiterReset(t *testing.T) {
	clk := newMockClock()
	rl := NewRateLimiter(clk)

	for i := 0; i < maxKeyFailures; i++ {
		rl.RecordFailure("1.2.3.4")
	}
	rl.Reset("1.2.3.4")
	if !rl.Allow("1.2.3.4") {
		t.Error("reset should clear the block")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	clk := newMockClock()
	rl := NewRateLimiter(clk)

	rl.RecordFailure("1.2.3.4")
	for i := 0; i < maxKeyFailures; i++ {
		rl.RecordFailure("9.9.9.9")
	}
	clk.Advance(blockDuration + time.Second)
	rl.Cleanup()

	rl.mu.Lock()
	n := len(rl.attempts)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("attempts map has %d entries after cleanup, want 0", n)
	}
}
