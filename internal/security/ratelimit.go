package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLimiterTTL  = 10 * time.Minute
	defaultMaxTrackIPs = 10000
)

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles socket handshakes per client IP with a token bucket.
// Idle buckets are swept periodically so the map stays bounded.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*ipBucket
	limit      rate.Limit
	burst      int
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	cancel     context.CancelFunc
}

// PerMinute converts a handshakes-per-minute setting into a rate and burst.
// The burst equals the per-minute allowance so a page reload storm is absorbed.
func PerMinute(n int) (rate.Limit, int) {
	if n <= 0 {
		return rate.Inf, 1
	}
	return rate.Every(time.Minute / time.Duration(n)), n
}

// NewRateLimiter creates a per-IP limiter and starts its sweeper.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		buckets:    make(map[string]*ipBucket),
		limit:      r,
		burst:      burst,
		ttl:        defaultLimiterTTL,
		maxEntries: defaultMaxTrackIPs,
		now:        time.Now,
		cancel:     cancel,
	}
	go rl.sweepLoop(ctx)
	return rl
}

// Allow reports whether ip may perform another handshake now. New IPs are
// refused once maxEntries are tracked.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxEntries {
			rl.mu.Unlock()
			return false
		}
		b = &ipBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = b
	}
	now := rl.now()
	b.lastSeen = now
	rl.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// UpdateRate applies a new rate. Tracked buckets are dropped so every IP
// starts fresh under the new settings.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limit = r
	rl.burst = burst
	rl.buckets = make(map[string]*ipBucket)
}

// Tracked returns how many IPs currently hold a bucket.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop shuts down the sweeper.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.ttl)
	removed := 0
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}
