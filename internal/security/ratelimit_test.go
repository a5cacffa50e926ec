package security

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiterAllow(t *testing.T) {
	// 1 request per second, burst of 2
	rl := NewRateLimiter(rate.Limit(1), 2)
	defer rl.Stop()

	ip := "203.0.113.10"

	if !rl.Allow(ip) {
		t.Error("first request should be allowed")
	}
	if !rl.Allow(ip) {
		t.Error("second request (burst) should be allowed")
	}
	if rl.Allow(ip) {
		t.Error("third request should be denied (burst exhausted)")
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("IP A first request should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("IP A second request should be denied")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("IP B first request should be allowed")
	}
}

func TestRateLimiterUpdateRate(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	ip := "203.0.113.1"
	rl.Allow(ip)

	rl.UpdateRate(rate.Limit(1), 5)

	if rl.Tracked() != 0 {
		t.Errorf("Tracked() after UpdateRate = %d, want 0", rl.Tracked())
	}
	if !rl.Allow(ip) {
		t.Error("should be allowed after rate update")
	}
}

func TestRateLimiterMaxEntries(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 10)
	defer rl.Stop()

	rl.mu.Lock()
	rl.maxEntries = 3
	rl.mu.Unlock()

	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i+1)
		if !rl.Allow(ip) {
			t.Errorf("IP %s should be allowed (map not full)", ip)
		}
	}

	if rl.Allow("203.0.113.100") {
		t.Error("should reject new IP when map is at capacity")
	}
	if !rl.Allow("203.0.113.1") {
		t.Error("existing IP should still be allowed")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	rl.Allow("203.0.113.1")
	clock = clock.Add(5 * time.Minute)
	rl.Allow("203.0.113.2")
	clock = clock.Add(6 * time.Minute)

	if removed := rl.sweep(); removed != 1 {
		t.Errorf("sweep() removed %d, want 1", removed)
	}
	if rl.Tracked() != 1 {
		t.Errorf("Tracked() = %d, want 1", rl.Tracked())
	}
}

func TestPerMinute(t *testing.T) {
	r, burst := PerMinute(120)
	if burst != 120 {
		t.Errorf("burst = %d, want 120", burst)
	}
	if r != rate.Every(500*time.Millisecond) {
		t.Errorf("rate = %v, want 2/s", r)
	}

	r, burst = PerMinute(0)
	if r != rate.Inf || burst != 1 {
		t.Errorf("PerMinute(0) = (%v, %d), want (Inf, 1)", r, burst)
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	rl.Stop() // Should not panic or deadlock
}
