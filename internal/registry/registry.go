package registry

import (
	"context"
	"time"
)

// Registry stores service instance records with a refreshable TTL.
//
// Discover only ever returns instances that are marked healthy and whose
// heartbeat is within the TTL window; an empty service yields an empty
// slice, not an error. UpdateHealth is the only path that changes an
// instance's health status and must be safe for concurrent callers hitting
// the same instance.
type Registry interface {
	// Register stores the instance, assigns it a unique id and marks it
	// healthy. Multiple instances per service name are expected; concurrent
	// registrations are independent writes.
	Register(ctx context.Context, inst *ServiceInstance) (id string, registeredAt time.Time, err error)

	// Discover returns all healthy, non-expired instances of the service.
	Discover(ctx context.Context, serviceName string) ([]*ServiceInstance, error)

	// UpdateHealth records a call outcome or heartbeat. A non-healthy status
	// increments the consecutive-failure counter; healthy resets it to zero.
	// The heartbeat timestamp and TTL are always refreshed. Pass a negative
	// responseTimeMs when no latency was observed.
	UpdateHealth(ctx context.Context, serviceName, instanceID string, status HealthStatus, responseTimeMs int64) error

	// Get returns a single instance record regardless of health.
	Get(ctx context.Context, serviceName, instanceID string) (*ServiceInstance, error)

	// Deregister removes an instance record.
	Deregister(ctx context.Context, serviceName, instanceID string) error
}
