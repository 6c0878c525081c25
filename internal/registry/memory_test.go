package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevkov/gwcore/internal/util"
)

func testInstance(service string) *ServiceInstance {
	return &ServiceInstance{
		ServiceName: service,
		BaseURL:     "http://10.0.0.1:8080",
		Weight:      1,
	}
}

func TestMemoryRegistry_RegisterAssignsIdentity(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)
	ctx := context.Background()

	id, registeredAt, err := r.Register(ctx, testInstance("orders-service"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.False(t, registeredAt.IsZero())

	got, err := r.Get(ctx, "orders-service", id)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestMemoryRegistry_RegisterValidation(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		inst *ServiceInstance
	}{
		{"missing service name", &ServiceInstance{BaseURL: "http://x", Weight: 1}},
		{"missing base URL", &ServiceInstance{ServiceName: "s", Weight: 1}},
		{"weight too small", &ServiceInstance{ServiceName: "s", BaseURL: "http://x", Weight: 0}},
		{"weight too large", &ServiceInstance{ServiceName: "s", BaseURL: "http://x", Weight: 1001}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.Register(ctx, tt.inst)
			assert.ErrorIs(t, err, util.ErrInvalidInput)
		})
	}
}

func TestMemoryRegistry_DiscoverEmptyService(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)

	instances, err := r.Discover(context.Background(), "no-such-service")
	require.NoError(t, err)
	assert.Empty(t, instances)
	assert.NotNil(t, instances)
}

func TestMemoryRegistry_DiscoverFiltersUnhealthy(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)
	ctx := context.Background()

	healthy, _, err := r.Register(ctx, testInstance("orders-service"))
	require.NoError(t, err)
	sick, _, err := r.Register(ctx, testInstance("orders-service"))
	require.NoError(t, err)

	require.NoError(t, r.UpdateHealth(ctx, "orders-service", sick, StatusUnhealthy, -1))

	instances, err := r.Discover(ctx, "orders-service")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, healthy, instances[0].ID)
}

func TestMemoryRegistry_DiscoverDropsExpired(t *testing.T) {
	r := NewMemoryRegistry(50*time.Millisecond, nil)
	ctx := context.Background()

	_, _, err := r.Register(ctx, testInstance("orders-service"))
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	instances, err := r.Discover(ctx, "orders-service")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestMemoryRegistry_HeartbeatRefreshesTTL(t *testing.T) {
	r := NewMemoryRegistry(100*time.Millisecond, nil)
	ctx := context.Background()

	id, _, err := r.Register(ctx, testInstance("orders-service"))
	require.NoError(t, err)

	// Keep the instance alive across two TTL windows with heartbeats.
	for i := 0; i < 3; i++ {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, r.UpdateHealth(ctx, "orders-service", id, StatusHealthy, -1))
	}

	instances, err := r.Discover(ctx, "orders-service")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestMemoryRegistry_UpdateHealthFailureCounter(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)
	ctx := context.Background()

	id, _, err := r.Register(ctx, testInstance("orders-service"))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, r.UpdateHealth(ctx, "orders-service", id, StatusUnhealthy, 250))
		got, err := r.Get(ctx, "orders-service", id)
		require.NoError(t, err)
		assert.Equal(t, i, got.ConsecutiveFailures)
	}

	require.NoError(t, r.UpdateHealth(ctx, "orders-service", id, StatusHealthy, 12))
	got, err := r.Get(ctx, "orders-service", id)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Equal(t, int64(12), got.ResponseTimeMs)
}

func TestMemoryRegistry_UpdateHealthUnknownInstance(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)

	err := r.UpdateHealth(context.Background(), "orders-service", "nope", StatusHealthy, -1)
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestMemoryRegistry_UpdateHealthInvalidStatus(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)

	err := r.UpdateHealth(context.Background(), "orders-service", "id", HealthStatus("bogus"), -1)
	assert.ErrorIs(t, err, util.ErrInvalidInput)
}

func TestMemoryRegistry_Deregister(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)
	ctx := context.Background()

	id, _, err := r.Register(ctx, testInstance("orders-service"))
	require.NoError(t, err)

	require.NoError(t, r.Deregister(ctx, "orders-service", id))

	_, err = r.Get(ctx, "orders-service", id)
	assert.ErrorIs(t, err, util.ErrNotFound)

	err = r.Deregister(ctx, "orders-service", id)
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestMemoryRegistry_DiscoverReturnsClones(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)
	ctx := context.Background()

	inst := testInstance("orders-service")
	inst.Metadata = map[string]string{"zone": "a"}
	_, _, err := r.Register(ctx, inst)
	require.NoError(t, err)

	instances, err := r.Discover(ctx, "orders-service")
	require.NoError(t, err)
	require.Len(t, instances, 1)

	instances[0].Metadata["zone"] = "tampered"
	instances[0].Status = StatusUnhealthy

	again, err := r.Discover(ctx, "orders-service")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "a", again[0].Metadata["zone"])
}

func TestMemoryRegistry_ConcurrentHealthUpdates(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)
	ctx := context.Background()

	id, _, err := r.Register(ctx, testInstance("orders-service"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.UpdateHealth(ctx, "orders-service", id, StatusUnhealthy, 100)
		}()
	}
	wg.Wait()

	got, err := r.Get(ctx, "orders-service", id)
	require.NoError(t, err)
	assert.Equal(t, 50, got.ConsecutiveFailures)
}

func TestMemoryRegistry_ContextCancelled(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := r.Register(ctx, testInstance("orders-service"))
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = r.Discover(ctx, "orders-service")
	assert.True(t, errors.Is(err, context.Canceled))
}
