package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces our counters from anything else sharing the store.
const keyPrefix = "termtunnel:ratelimit:"

// redisLimiter counts attempts with INCR and sets the window's expiry with
// EXPIRE on the first attempt in that window, so counts expire by TTL and
// never need an explicit sweep.
type redisLimiter struct {
	client *redis.Client
	limit  int
}

// NewRedis builds a Limiter backed by the key-value store at url, allowing
// at most limit attempts per key per minute.
func NewRedis(url string, limit int) (Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis_url: %w", err)
	}
	return &redisLimiter{client: redis.NewClient(opts), limit: limit}, nil
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	fullKey := keyPrefix + key

	count, err := l.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit expire: %w", err)
		}
	}

	return count <= int64(l.limit), nil
}

// Close releases the underlying client's connections.
func (l *redisLimiter) Close() error {
	return l.client.Close()
}
