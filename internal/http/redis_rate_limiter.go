package httpx

import (
	"context"
	"strconv"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const redisLimiterTimeout = 250 * time.Millisecond

type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter shares one request budget across launchpad processes.
// The caller owns client.
func NewRedisRateLimiter(client *redis.Client, logger *slog.Logger) RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{client: client, logger: logger, now: time.Now}
}

// Allow fails open so a Redis outage never blocks deploys.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) quota {
	if limit <= 0 {
		return quota{allowed: true}
	}
	if window <= 0 {
		window = rateWindowDefault
	}
	start := rl.now().Truncate(window)
	resetAt := start.Add(window)
	counterKey := "launchpad:ratelimit:" + key + ":" + strconv.FormatInt(start.Unix(), 10)

	ctx, cancel := context.WithTimeout(context.Background(), redisLimiterTimeout)
	defer cancel()
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.PExpireAt(ctx, counterKey, resetAt.Add(time.Second))
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn("redis rate limiter unavailable, allowing request", "key", key, "error", err)
		return quota{allowed: true}
	}
	used := int(incr.Val())
	return quota{allowed: used <= limit, used: min(used, limit), resetAt: resetAt}
}

func (rl *redisRateLimiter) Close() {}
