package httpx

import (
	"testing"
	"time"
)

func fixedClockLimiter(at time.Time) *memoryRateLimiter {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	rl.now = func() time.Time { return at }
	return rl
}

func TestMemoryRateLimiterWindows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	rl := fixedClockLimiter(now)
	defer rl.Close()
	rl.now = func() time.Time { return now }

	for i := 1; i <= 2; i++ {
		q := rl.Allow("deploy|ip:10.0.0.1", 2, time.Minute)
		if !q.allowed || q.used != i {
			t.Fatalf("request %d: unexpected quota %+v", i, q)
		}
	}
	q := rl.Allow("deploy|ip:10.0.0.1", 2, time.Minute)
	if q.allowed {
		t.Fatal("third request in the window should be rejected")
	}
	if want := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC); !q.resetAt.Equal(want) {
		t.Fatalf("reset at %v, want %v", q.resetAt, want)
	}
	if q := rl.Allow("deploy|ip:10.0.0.2", 2, time.Minute); !q.allowed {
		t.Fatal("other keys have their own budget")
	}

	now = now.Add(50 * time.Second)
	if q := rl.Allow("deploy|ip:10.0.0.1", 2, time.Minute); !q.allowed || q.used != 1 {
		t.Fatalf("next window should start fresh, got %+v", q)
	}
	if q := rl.Allow("any", 0, time.Minute); !q.allowed {
		t.Fatal("a zero limit disables limiting")
	}
}

func TestRateMetricKey(t *testing.T) {
	cases := map[string]string{
		"token:ci-bot": "token",
		"ip:127.0.0.1": "ip",
		"":             "unknown",
		"bare":         "unknown",
	}
	for key, want := range cases {
		if got := rateMetricKey(key); got != want {
			t.Fatalf("rateMetricKey(%q) = %q, want %q", key, got, want)
		}
	}
}
