package httpx

import (
	"sync"
	"time"
)

// sweepEvery is the number of Allow calls between expired bucket sweeps.
const sweepEvery = 1024

// memoryRateLimiter counts requests in windows aligned to multiples of the
// window length, so a key resets at a predictable instant.
type memoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]rateBucket
	calls   int
	now     func() time.Time
}

type rateBucket struct {
	start  time.Time
	window time.Duration
	count  int
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{buckets: make(map[string]rateBucket), now: now}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) RateDecision {
	if limit <= 0 {
		return RateDecision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	start := now.Truncate(window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.calls++
	if rl.calls%sweepEvery == 0 {
		rl.sweep(now)
	}
	b, ok := rl.buckets[key]
	if !ok || !b.start.Equal(start) || b.window != window {
		b = rateBucket{start: start, window: window}
	}
	b.count++
	rl.buckets[key] = b
	return RateDecision{Allowed: b.count <= limit, Count: b.count, Reset: start.Add(window)}
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	for key, b := range rl.buckets {
		if !now.Before(b.start.Add(b.window)) {
			delete(rl.buckets, key)
		}
	}
}

// Close drops all counters.
func (rl *memoryRateLimiter) Close() {
	rl.mu.Lock()
	rl.buckets = make(map[string]rateBucket)
	rl.mu.Unlock()
}
