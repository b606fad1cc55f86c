package httpx

import (
	"testing"
	"time"
)

func TestMemoryRateLimiterFixedWindow(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 0, 10, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })

	for i := 1; i <= 2; i++ {
		if d := rl.Allow("k", 2, time.Minute); !d.Allowed || d.Count != i {
			t.Fatalf("expected request %d to be allowed, got %+v", i, d)
		}
	}
	d := rl.Allow("k", 2, time.Minute)
	if d.Allowed {
		t.Fatalf("expected third request to be rejected")
	}
	if want := time.Date(2025, time.November, 5, 12, 1, 0, 0, time.UTC); !d.Reset.Equal(want) {
		t.Fatalf("expected reset at %s, got %s", want, d.Reset)
	}
	if other := rl.Allow("other", 2, time.Minute); !other.Allowed {
		t.Fatalf("expected keys to be counted separately")
	}

	now = now.Add(time.Minute)
	if d := rl.Allow("k", 2, time.Minute); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected counter to reset in the next window, got %+v", d)
	}
}

func TestMemoryRateLimiterSweepAndDisable(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	if d := rl.Allow("k", 0, time.Minute); !d.Allowed || d.Count != 0 {
		t.Fatalf("expected non-positive limit to bypass counting, got %+v", d)
	}
	rl.Allow("old", 5, time.Second)
	now = now.Add(time.Hour)
	rl.sweep(now)
	if _, ok := rl.buckets["old"]; ok {
		t.Fatalf("expected expired bucket to be swept")
	}
	rl.Allow("k", 5, time.Minute)
	rl.Close()
	if len(rl.buckets) != 0 {
		t.Fatalf("expected close to drop counters, got %d", len(rl.buckets))
	}
}

func TestRateMetricKey(t *testing.T) {
	cases := map[string]string{"ip:10.0.0.1": "ip", "subject:ops": "subject", "": "unknown", "raw": "raw"}
	for in, want := range cases {
		if got := rateMetricKey(in); got != want {
			t.Fatalf("rateMetricKey(%q): expected %q, got %q", in, want, got)
		}
	}
}
