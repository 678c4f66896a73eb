// Package ratelimit implements the per-IP authentication throttle (§4.6):
// a one-minute sliding window, counted either in a shared Redis store or,
// when none is configured, in an in-process map. The shape — a counter map
// guarded by a mutex, evicted on a background ticker — is adapted from the
// teacher's internal/relay/bandwidth.go RateLimiter, narrowed from a
// token-bucket byte rate to a fixed-window attempt count.
package ratelimit

import "context"

// Limiter reports whether another attempt under key is allowed right now.
// A true Allow also counts the attempt; callers must not call Allow
// speculatively.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Disabled never throttles. It backs the "absent store" case in §4.6: rate
// limiting can be configured off outright without introducing a no-op
// implementation scattered through call sites.
type Disabled struct{}

func (Disabled) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}
