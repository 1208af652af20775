package httpx

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const limiterSweepEvery = 5 * time.Minute

// RateLimiter counts requests per key in windows aligned to the window size.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) quota
	Close()
}

type quota struct {
	allowed bool
	used    int
	resetAt time.Time
}

type windowCount struct {
	start time.Time
	n     int
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]windowCount
	done    chan struct{}
	closed  sync.Once
	now     func() time.Time
}

// NewMemoryRateLimiter returns a limiter local to this process.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]windowCount),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go rl.sweep()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) quota {
	if limit <= 0 {
		return quota{allowed: true}
	}
	if window <= 0 {
		window = rateWindowDefault
	}
	now := rl.now()
	start := now.Truncate(window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	wc := rl.windows[key]
	if !wc.start.Equal(start) {
		wc = windowCount{start: start}
	}
	if wc.n >= limit {
		return quota{used: wc.n, resetAt: start.Add(window)}
	}
	wc.n++
	rl.windows[key] = wc
	return quota{allowed: true, used: wc.n, resetAt: start.Add(window)}
}

func (rl *memoryRateLimiter) sweep() {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		cutoff := rl.now().Add(-limiterSweepEvery)
		rl.mu.Lock()
		for key, wc := range rl.windows {
			if wc.start.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.closed.Do(func() { close(rl.done) })
}

// withRateLimit charges the request to its token subject when authenticated,
// otherwise to the client address.
func (r *Router) withRateLimit(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := rateLimitKey(req)
		q := r.limiter.Allow(route+"|"+key, limit, window)
		setQuotaHeaders(w, limit, q)
		if !q.allowed {
			r.metrics.rateLimited(route, key)
			if wait := time.Until(q.resetAt); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) handlerAuthRate(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, limit, window, next))
}

func setQuotaHeaders(w http.ResponseWriter, limit int, q quota) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-q.used, 0)))
	if !q.resetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(q.resetAt.Unix(), 10))
	}
}

func rateLimitKey(req *http.Request) string {
	if claims, ok := claimsFromContext(req.Context()); ok && claims.Subject != "" {
		return "token:" + claims.Subject
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil || host == "" {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// rateMetricKey keeps label cardinality bounded by reporting only the key kind.
func rateMetricKey(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && kind != "" {
		return kind
	}
	return "unknown"
}
