package balancer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mlevkov/gwcore/internal/registry"
	"github.com/mlevkov/gwcore/internal/util"
)

// LoadBalancer picks one instance of a service per request. Candidates come
// from registry discovery on every call, so selection always reflects the
// current healthy set. Round-robin counters and in-flight gauges live in
// this process only.
type LoadBalancer struct {
	registry registry.Registry
	logger   *zap.Logger

	// per-service round-robin cursors
	cursors sync.Map // string -> *atomic.Uint64

	// per-instance in-flight request gauges
	inflight sync.Map // string -> *atomic.Int64
}

// New creates a load balancer over the given registry.
func New(reg registry.Registry, logger *zap.Logger) *LoadBalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoadBalancer{registry: reg, logger: logger}
}

// SelectInstance returns one healthy instance of the service chosen by the
// strategy. callerAddr is only consulted by the ip_hash strategy and may be
// a bare IP or an ip:port pair. Returns util.ErrNoHealthyInstance when the
// service has no healthy instances.
func (lb *LoadBalancer) SelectInstance(
	ctx context.Context,
	serviceName string,
	strategy Strategy,
	callerAddr string,
) (*registry.ServiceInstance, error) {
	if !strategy.Valid() {
		return nil, util.WrapError(util.ErrInvalidInput, "unknown strategy "+string(strategy))
	}

	instances, err := lb.registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, util.WrapError(util.ErrNoHealthyInstance, serviceName)
	}

	var selected *registry.ServiceInstance
	switch strategy {
	case StrategyWeightedRoundRobin:
		selected = lb.pickWeighted(instances)
	case StrategyLeastConnections:
		selected = lb.pickLeastConnections(instances)
	case StrategyIPHash:
		selected = pickIPHash(instances, callerAddr)
	case StrategyHealthBased:
		selected = pickHealthBased(instances)
	default:
		selected = lb.pickRoundRobin(serviceName, instances)
	}

	lb.logger.Debug("instance selected",
		zap.String("service", serviceName),
		zap.String("strategy", string(strategy)),
		zap.String("instance", selected.ID),
	)

	return selected, nil
}

// Acquire records the start of a proxied request against an instance for
// least-connections accounting.
func (lb *LoadBalancer) Acquire(instanceID string) {
	lb.gauge(instanceID).Add(1)
}

// Release records the completion of a proxied request. Calls are balanced
// with Acquire by the proxy pipeline.
func (lb *LoadBalancer) Release(instanceID string) {
	g := lb.gauge(instanceID)
	if g.Add(-1) < 0 {
		g.Store(0)
	}
}

// Inflight returns the current in-flight gauge for an instance.
func (lb *LoadBalancer) Inflight(instanceID string) int64 {
	return lb.gauge(instanceID).Load()
}

func (lb *LoadBalancer) gauge(instanceID string) *atomic.Int64 {
	if g, ok := lb.inflight.Load(instanceID); ok {
		return g.(*atomic.Int64)
	}
	g, _ := lb.inflight.LoadOrStore(instanceID, new(atomic.Int64))
	return g.(*atomic.Int64)
}

func (lb *LoadBalancer) pickRoundRobin(serviceName string, instances []*registry.ServiceInstance) *registry.ServiceInstance {
	c, ok := lb.cursors.Load(serviceName)
	if !ok {
		c, _ = lb.cursors.LoadOrStore(serviceName, new(atomic.Uint64))
	}
	idx := c.(*atomic.Uint64).Add(1) - 1
	return instances[idx%uint64(len(instances))]
}

func (lb *LoadBalancer) pickWeighted(instances []*registry.ServiceInstance) *registry.ServiceInstance {
	totalWeight := 0
	for _, inst := range instances {
		totalWeight += inst.Weight
	}
	if totalWeight == 0 {
		return instances[0]
	}

	r := secureRandomInt(totalWeight)
	for _, inst := range instances {
		r -= inst.Weight
		if r < 0 {
			return inst
		}
	}
	return instances[len(instances)-1]
}

func (lb *LoadBalancer) pickLeastConnections(instances []*registry.ServiceInstance) *registry.ServiceInstance {
	var selected *registry.ServiceInstance
	minConns := int64(-1)

	for _, inst := range instances {
		conns := lb.Inflight(inst.ID)
		if minConns < 0 || conns < minConns {
			minConns = conns
			selected = inst
		}
	}
	return selected
}

// pickIPHash hashes the caller IP onto the candidate list. Instances are
// already in stable ID order, so the same caller maps to the same instance
// as long as the healthy set does not change.
func pickIPHash(instances []*registry.ServiceInstance, callerAddr string) *registry.ServiceInstance {
	ip := callerAddr
	if host, _, err := net.SplitHostPort(callerAddr); err == nil {
		ip = host
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return instances[h.Sum32()%uint32(len(instances))]
}

// pickHealthBased prefers the fewest consecutive failures, then the lowest
// observed response time. Candidates are all healthy, and a healthy report
// resets the failure counter, so without the latency tiebreak every pick
// would land on the first instance in ID order.
func pickHealthBased(instances []*registry.ServiceInstance) *registry.ServiceInstance {
	selected := instances[0]
	for _, inst := range instances[1:] {
		if inst.ConsecutiveFailures < selected.ConsecutiveFailures {
			selected = inst
			continue
		}
		if inst.ConsecutiveFailures == selected.ConsecutiveFailures &&
			inst.ResponseTimeMs < selected.ResponseTimeMs {
			selected = inst
		}
	}
	return selected
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
