// Package registry provides service instance registration and discovery
// with TTL-based freshness tracking.
package registry

import (
	"time"

	"github.com/mlevkov/gwcore/internal/util"
)

// HealthStatus represents the health of a service instance.
type HealthStatus string

const (
	// StatusHealthy indicates the instance is serving traffic normally.
	StatusHealthy HealthStatus = "healthy"

	// StatusDegraded indicates the instance is serving but impaired.
	StatusDegraded HealthStatus = "degraded"

	// StatusUnhealthy indicates the instance failed its last call or check.
	StatusUnhealthy HealthStatus = "unhealthy"

	// StatusMaintenance indicates the instance is deliberately out of rotation.
	StatusMaintenance HealthStatus = "maintenance"
)

// Valid returns true for a known health status.
func (s HealthStatus) Valid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusUnhealthy, StatusMaintenance:
		return true
	}
	return false
}

// Instance weight and metadata bounds.
const (
	MinWeight = 1
	MaxWeight = 1000

	// MaxMetadataKeys bounds the per-instance metadata bag.
	MaxMetadataKeys = 16

	// DefaultTTL is the freshness window refreshed by every heartbeat.
	DefaultTTL = 300 * time.Second
)

// ServiceInstance represents one running backend process.
type ServiceInstance struct {
	ID             string            `json:"id"`
	ServiceName    string            `json:"serviceName"`
	ServiceVersion string            `json:"serviceVersion,omitempty"`
	BaseURL        string            `json:"baseUrl"`
	HealthCheckURL string            `json:"healthCheckUrl,omitempty"`
	Weight         int               `json:"weight"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastHeartbeat       time.Time    `json:"lastHeartbeat"`
	ResponseTimeMs      int64        `json:"responseTimeMs"`
	RegisteredAt        time.Time    `json:"registeredAt"`
}

// Validate checks the registration payload bounds.
func (i *ServiceInstance) Validate() error {
	if i.ServiceName == "" {
		return util.WrapError(util.ErrInvalidInput, "service name is required")
	}
	if i.BaseURL == "" {
		return util.WrapError(util.ErrInvalidInput, "base URL is required")
	}
	if i.Weight < MinWeight || i.Weight > MaxWeight {
		return util.WrapError(util.ErrInvalidInput, "weight must be within [1,1000]")
	}
	if len(i.Metadata) > MaxMetadataKeys {
		return util.WrapError(util.ErrInvalidInput, "too many metadata keys")
	}
	return nil
}

// Fresh reports whether the instance heartbeat is within the TTL window.
func (i *ServiceInstance) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(i.LastHeartbeat) <= ttl
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (i *ServiceInstance) Clone() *ServiceInstance {
	c := *i
	if i.Tags != nil {
		c.Tags = append([]string(nil), i.Tags...)
	}
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
