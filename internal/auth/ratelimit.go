package auth

import (
	"sync"
	"time"

	"github.com/agentdispatch/admp-hub/internal/clock"
)

const (
	maxKeyFailures = 10 // failed key checks per IP within the window
	failureWindow  = time.Minute
	blockDuration  = 5 * time.Minute
)

type keyAttempt struct {
	count     int
	firstAt   time.Time
	blockedAt time.Time // non-zero if blocked
}

// RateLimiter tracks failed key authentications per client IP so a caller
// cannot grind through the key space.
type RateLimiter struct {
	mu       sync.Mutex
	clk      clock.Clock
	attempts map[string]*keyAttempt
}

// NewRateLimiter creates a failed-authentication rate limiter.
func NewRateLimiter(clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		clk:      clk,
		attempts: make(map[string]*keyAttempt),
	}
}

// Allow reports whether an authentication attempt from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.attempts[ip]
	if !ok {
		return true
	}

	now := rl.clk.Now()
	if !a.blockedAt.IsZero() {
		if now.Before(a.blockedAt.Add(blockDuration)) {
			return false
		}
		delete(rl.attempts, ip)
		return true
	}
	if now.After(a.firstAt.Add(failureWindow)) {
		delete(rl.attempts, ip)
	}
	return true
}

// RecordFailure records a failed key check for ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	a, ok := rl.attempts[ip]
	if !ok || now.After(a.firstAt.Add(failureWindow)) {
		rl.attempts[ip] = &keyAttempt{count: 1, firstAt: now}
		return
	}
	a.count++
	if a.count >= maxKeyFailures {
		a.blockedAt = now
	}
}

// Reset clears state for ip, called on successful authentication.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Cleanup removes expired entries. The sweeper calls this periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	for ip, a := range rl.attempts {
		if !a.blockedAt.IsZero() {
			if now.After(a.blockedAt.Add(blockDuration)) {
				delete(rl.attempts, ip)
			}
			continue
		}
		if now.After(a.firstAt.Add(failureWindow)) {
			delete(rl.attempts, ip)
		}
	}
}
