package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledAlwaysAllows(t *testing.T) {
	var l Limiter = Disabled{}
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestMemoryLimiterRejectsNPlusOne(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewMemory(ctx, 3)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should be allowed", i+1)
	}

	ok, err := l.Allow(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.False(t, ok, "4th attempt within the window must be rejected")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewMemory(ctx, 1)

	ok, err := l.Allow(context.Background(), "1.1.1.1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(context.Background(), "2.2.2.2")
	require.NoError(t, err)
	require.True(t, ok, "a different key must have its own budget")
}

func TestBuildDisabledWhenLimitZero(t *testing.T) {
	l, err := Build(context.Background(), 0, "redis://unused")
	require.NoError(t, err)
	require.IsType(t, Disabled{}, l)
}

func TestBuildMemoryWhenNoRedisURL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := Build(ctx, 5, "")
	require.NoError(t, err)
	require.IsType(t, &memoryLimiter{}, l)
}
