package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mlevkov/gwcore/internal/util"
	"go.uber.org/zap"
)

// MemoryRegistry implements Registry with in-process storage. Staleness is
// detected lazily at discovery time by comparing the stored heartbeat
// against the TTL, so no background reaper runs.
type MemoryRegistry struct {
	mu       sync.RWMutex
	services map[string]map[string]*ServiceInstance
	ttl      time.Duration
	logger   *zap.Logger
}

// NewMemoryRegistry creates an in-memory registry. A non-positive ttl falls
// back to DefaultTTL.
func NewMemoryRegistry(ttl time.Duration, logger *zap.Logger) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRegistry{
		services: make(map[string]map[string]*ServiceInstance),
		ttl:      ttl,
		logger:   logger,
	}
}

// Register implements Registry.
func (r *MemoryRegistry) Register(ctx context.Context, inst *ServiceInstance) (string, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, err
	}
	if err := inst.Validate(); err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	stored := inst.Clone()
	stored.ID = uuid.NewString()
	stored.Status = StatusHealthy
	stored.ConsecutiveFailures = 0
	stored.LastHeartbeat = now
	stored.RegisteredAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	instances, ok := r.services[stored.ServiceName]
	if !ok {
		instances = make(map[string]*ServiceInstance)
		r.services[stored.ServiceName] = instances
	}
	instances[stored.ID] = stored

	r.logger.Info("instance registered",
		zap.String("service", stored.ServiceName),
		zap.String("instance", stored.ID),
		zap.Int("weight", stored.Weight),
	)

	return stored.ID, now, nil
}

// Discover implements Registry.
func (r *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]*ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*ServiceInstance, 0)
	for id, inst := range r.services[serviceName] {
		if !inst.Fresh(now, r.ttl) {
			delete(r.services[serviceName], id)
			continue
		}
		if inst.Status != StatusHealthy {
			continue
		}
		result = append(result, inst.Clone())
	}

	// Stable order keeps hash-based selection deterministic.
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

// UpdateHealth implements Registry.
func (r *MemoryRegistry) UpdateHealth(
	ctx context.Context,
	serviceName, instanceID string,
	status HealthStatus,
	responseTimeMs int64,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return util.WrapError(util.ErrInvalidInput, "unknown health status")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.services[serviceName][instanceID]
	if !ok {
		return util.WrapError(util.ErrNotFound, "instance "+instanceID)
	}

	inst.Status = status
	if status == StatusHealthy {
		inst.ConsecutiveFailures = 0
	} else {
		inst.ConsecutiveFailures++
	}
	if responseTimeMs >= 0 {
		inst.ResponseTimeMs = responseTimeMs
	}
	inst.LastHeartbeat = time.Now()

	return nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(ctx context.Context, serviceName, instanceID string) (*ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.services[serviceName][instanceID]
	if !ok {
		return nil, util.WrapError(util.ErrNotFound, "instance "+instanceID)
	}
	return inst.Clone(), nil
}

// Deregister implements Registry.
func (r *MemoryRegistry) Deregister(ctx context.Context, serviceName, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[serviceName][instanceID]; !ok {
		return util.WrapError(util.ErrNotFound, "instance "+instanceID)
	}
	delete(r.services[serviceName], instanceID)

	r.logger.Info("instance deregistered",
		zap.String("service", serviceName),
		zap.String("instance", instanceID),
	)

	return nil
}
