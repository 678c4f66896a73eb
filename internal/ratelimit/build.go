package ratelimit

import "context"

// Build selects the Limiter implementation per §4.6: disabled if limit is
// zero, redis-backed if redisURL is set, otherwise an in-process map.
func Build(ctx context.Context, limit int, redisURL string) (Limiter, error) {
	if limit <= 0 {
		return Disabled{}, nil
	}
	if redisURL != "" {
		return NewRedis(redisURL, limit)
	}
	return NewMemory(ctx, limit), nil
}
