package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := l.IsAllowed(ctx, "client-a", 5, time.Minute)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, 4-i, res.Remaining)
		assert.False(t, res.FailedOpen)
	}

	res := l.IsAllowed(ctx, "client-a", 5, time.Minute)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestLocalLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.IsAllowed(ctx, "client-a", 3, time.Minute).Allowed)
	}
	assert.False(t, l.IsAllowed(ctx, "client-a", 3, time.Minute).Allowed)
	assert.True(t, l.IsAllowed(ctx, "client-b", 3, time.Minute).Allowed)
}

func TestLocalLimiter_WindowSlides(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.True(t, l.IsAllowed(ctx, "client-a", 2, 100*time.Millisecond).Allowed)
	}
	require.False(t, l.IsAllowed(ctx, "client-a", 2, 100*time.Millisecond).Allowed)

	time.Sleep(120 * time.Millisecond)

	// The old requests left the window, so new ones are admitted.
	assert.True(t, l.IsAllowed(ctx, "client-a", 2, 100*time.Millisecond).Allowed)
}

func TestLocalLimiter_ZeroLimitRejects(t *testing.T) {
	l := NewLocalLimiter()

	res := l.IsAllowed(context.Background(), "client-a", 0, time.Minute)
	assert.False(t, res.Allowed)
}

func TestLocalLimiter_Reset(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	require.True(t, l.IsAllowed(ctx, "client-a", 1, time.Minute).Allowed)
	require.False(t, l.IsAllowed(ctx, "client-a", 1, time.Minute).Allowed)

	require.NoError(t, l.Reset(ctx, "client-a"))
	assert.True(t, l.IsAllowed(ctx, "client-a", 1, time.Minute).Allowed)
}

func TestLocalLimiter_ConcurrentNeverExceedsLimit(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	const workers = 20
	const perWorker = 10
	const limit = 50

	var count int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if l.IsAllowed(ctx, "client-a", limit, time.Minute).Allowed {
					mu.Lock()
					count++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), count)
}
