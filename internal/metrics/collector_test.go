package metrics

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevkov/gwcore/internal/store"
)

func TestCollector_EmptySnapshot(t *testing.T) {
	c := NewCollector(nil, nil)

	snap := c.GetMetrics(context.Background())
	assert.Zero(t, snap.TotalRequests)
	assert.Zero(t, snap.SuccessRate)
	assert.Zero(t, snap.AvgLatencyMs)
	assert.Zero(t, snap.RequestsPerSecond)
	assert.Empty(t, snap.PerRoute)
}

func TestCollector_AllSuccessesGiveFullRate(t *testing.T) {
	c := NewCollector(nil, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.RecordRequest(ctx, "/api/orders", "GET", 200, 20, "orders-service")
	}

	snap := c.GetMetrics(ctx)
	assert.Equal(t, int64(10), snap.TotalRequests)
	assert.Equal(t, int64(10), snap.TotalSuccesses)
	assert.Equal(t, 100.0, snap.SuccessRate)
	assert.Equal(t, 20.0, snap.AvgLatencyMs)
}

func TestCollector_StatusClassification(t *testing.T) {
	c := NewCollector(nil, nil)
	ctx := context.Background()

	// Redirects count as successes, client and server errors do not.
	c.RecordRequest(ctx, "/api/orders", "GET", 204, 5, "orders-service")
	c.RecordRequest(ctx, "/api/orders", "GET", 302, 5, "orders-service")
	c.RecordRequest(ctx, "/api/orders", "GET", 404, 5, "orders-service")
	c.RecordRequest(ctx, "/api/orders", "GET", 502, 5, "orders-service")

	snap := c.GetMetrics(ctx)
	assert.Equal(t, int64(2), snap.TotalSuccesses)
	assert.Equal(t, int64(2), snap.TotalFailures)
	assert.Equal(t, 50.0, snap.SuccessRate)
}

func TestCollector_PerRouteAndPerService(t *testing.T) {
	c := NewCollector(nil, nil)
	ctx := context.Background()

	c.RecordRequest(ctx, "/api/orders", "GET", 200, 10, "orders-service")
	c.RecordRequest(ctx, "/api/orders", "POST", 500, 10, "orders-service")
	c.RecordRequest(ctx, "/api/users", "GET", 200, 10, "users-service")

	snap := c.GetMetrics(ctx)

	require.Contains(t, snap.PerRoute, "/api/orders")
	assert.Equal(t, int64(2), snap.PerRoute["/api/orders"].Requests)
	assert.Equal(t, int64(1), snap.PerRoute["/api/orders"].Failures)
	assert.Equal(t, int64(1), snap.PerRoute["/api/users"].Requests)

	require.Contains(t, snap.PerService, "orders-service")
	assert.Equal(t, int64(2), snap.PerService["orders-service"].Requests)
	assert.Equal(t, int64(1), snap.PerService["users-service"].Successes)
}

func TestCollector_LatencyRingBounded(t *testing.T) {
	c := NewCollector(nil, nil)
	ctx := context.Background()

	// Overfill the ring with slow samples, then overwrite with fast ones.
	for i := 0; i < latencyRingSize; i++ {
		c.RecordRequest(ctx, "/api/orders", "GET", 200, 1000, "orders-service")
	}
	for i := 0; i < latencyRingSize; i++ {
		c.RecordRequest(ctx, "/api/orders", "GET", 200, 10, "orders-service")
	}

	snap := c.GetMetrics(ctx)
	assert.Equal(t, 10.0, snap.AvgLatencyMs)
}

func TestCollector_RPSCountsTrailingWindow(t *testing.T) {
	c := NewCollector(nil, nil)
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		c.RecordRequest(ctx, "/api/orders", "GET", 200, 5, "orders-service")
	}

	snap := c.GetMetrics(ctx)
	assert.InDelta(t, 2.0, snap.RequestsPerSecond, 0.01)
}

func TestCollector_SharedStoreFeedsRPS(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := store.NewRedisStoreFromClient(client, "test:", nil)

	ctx := context.Background()

	// Two collectors sharing one store see each other's traffic.
	a := NewCollector(shared, nil)
	b := NewCollector(shared, nil)
	for i := 0; i < 60; i++ {
		a.RecordRequest(ctx, "/api/orders", "GET", 200, 5, "orders-service")
		b.RecordRequest(ctx, "/api/orders", "GET", 200, 5, "orders-service")
	}

	snap := a.GetMetrics(ctx)
	assert.InDelta(t, 2.0, snap.RequestsPerSecond, 0.01)
}

func TestCollector_SharedStoreFailureFallsBackLocally(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := store.NewRedisStoreFromClient(client, "test:", nil)

	c := NewCollector(shared, nil)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		c.RecordRequest(ctx, "/api/orders", "GET", 200, 5, "orders-service")
	}

	mr.Close()

	snap := c.GetMetrics(ctx)
	assert.Equal(t, int64(60), snap.TotalRequests)
	assert.InDelta(t, 1.0, snap.RequestsPerSecond, 0.01)
}

func TestCollector_SnapshotIsACopy(t *testing.T) {
	c := NewCollector(nil, nil)
	ctx := context.Background()

	c.RecordRequest(ctx, "/api/orders", "GET", 200, 5, "orders-service")
	snap := c.GetMetrics(ctx)
	snap.PerRoute["/api/orders"].Requests = 999

	again := c.GetMetrics(ctx)
	assert.Equal(t, int64(1), again.PerRoute["/api/orders"].Requests)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector(nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.RecordRequest(ctx, "/api/orders", "GET", 200, 5, "orders-service")
			}
		}()
	}
	wg.Wait()

	snap := c.GetMetrics(ctx)
	assert.Equal(t, int64(1000), snap.TotalRequests)
	assert.Equal(t, 100.0, snap.SuccessRate)
}
