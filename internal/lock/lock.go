// Package lock provides the per-project mutual exclusion that guards
// production promotion.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrTimeout is returned when a lock could not be taken before ctx ended.
var ErrTimeout = errors.New("lock not acquired")

// Locker takes named locks. The returned function releases the lock and is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemory constructs an in-process Locker.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]chan struct{})}
}

func (m *Memory) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

// Lock blocks until key is free or ctx ends. ttl is ignored in process.
func (m *Memory) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Join(ErrTimeout, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every orchestrator process using the same
// Redis database.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	poll   time.Duration
}

// NewRedis constructs a Redis backed Locker.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger, prefix: "launchpad:lock:", poll: 100 * time.Millisecond}
}

// Lock sets the key with NX and a ttl, retrying until ctx ends. The ttl bounds
// how long a crashed holder can block others.
func (r *Redis) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	redisKey := r.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil && ctx.Err() == nil {
			r.logger.Error("redis lock error", "op", "setnx", "key", key, "error", err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.Join(ErrTimeout, ctx.Err())
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Error("redis lock error", "op", "release", "key", key, "error", err)
			}
		})
	}, nil
}
