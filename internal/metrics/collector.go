// Package metrics aggregates request outcomes for the management API and
// mirrors them to Prometheus.
package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mlevkov/gwcore/internal/store"
)

const (
	// latencyRingSize bounds the latency sample buffer; older samples are
	// overwritten so memory stays constant under load.
	latencyRingSize = 1000

	// bucketRetention is how long per-minute request buckets are kept.
	bucketRetention = time.Hour

	// rpsWindow is how many trailing minute buckets feed the RPS figure.
	rpsWindow = 60
)

// RouteStats aggregates outcomes for one route.
type RouteStats struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// ServiceStats aggregates outcomes for one backend service.
type ServiceStats struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Snapshot is a point-in-time aggregate of everything the collector has seen.
type Snapshot struct {
	TotalRequests     int64                    `json:"totalRequests"`
	TotalSuccesses    int64                    `json:"totalSuccesses"`
	TotalFailures     int64                    `json:"totalFailures"`
	SuccessRate       float64                  `json:"successRate"`
	AvgLatencyMs      float64                  `json:"avgLatencyMs"`
	RequestsPerSecond float64                  `json:"requestsPerSecond"`
	PerRoute          map[string]*RouteStats   `json:"perRoute"`
	PerService        map[string]*ServiceStats `json:"perService"`
	GeneratedAt       time.Time                `json:"generatedAt"`
}

// Collector records one observation per proxied request. When a shared store
// is configured the per-minute request buckets live there too, so the RPS
// figure covers all gateway replicas instead of just this process.
type Collector struct {
	mu sync.Mutex

	totalRequests  int64
	totalSuccesses int64
	totalFailures  int64

	perRoute   map[string]*RouteStats
	perService map[string]*ServiceStats

	latencies    [latencyRingSize]float64
	latencyIdx   int
	latencyCount int

	// minute bucket -> request count, pruned past bucketRetention
	buckets map[int64]int64

	shared store.Store
	logger *zap.Logger
}

// NewCollector creates a collector. shared may be nil, in which case the
// RPS window is process-local.
func NewCollector(shared store.Store, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		perRoute:   make(map[string]*RouteStats),
		perService: make(map[string]*ServiceStats),
		buckets:    make(map[int64]int64),
		shared:     shared,
		logger:     logger,
	}
}

// RecordRequest records one proxied request outcome. Status codes in
// [200, 400) count as successes. The call never fails; a shared store error
// only costs cross-replica RPS accuracy for that minute.
func (c *Collector) RecordRequest(ctx context.Context, route, method string, status int, latencyMs float64, service string) {
	success := status >= 200 && status < 400
	now := time.Now()
	minute := now.Unix() / 60

	c.mu.Lock()
	c.totalRequests++
	if success {
		c.totalSuccesses++
	} else {
		c.totalFailures++
	}

	rs, ok := c.perRoute[route]
	if !ok {
		rs = &RouteStats{}
		c.perRoute[route] = rs
	}
	ss, ok := c.perService[service]
	if !ok {
		ss = &ServiceStats{}
		c.perService[service] = ss
	}
	rs.Requests++
	ss.Requests++
	if success {
		rs.Successes++
		ss.Successes++
	} else {
		rs.Failures++
		ss.Failures++
	}

	c.latencies[c.latencyIdx] = latencyMs
	c.latencyIdx = (c.latencyIdx + 1) % latencyRingSize
	if c.latencyCount < latencyRingSize {
		c.latencyCount++
	}

	c.buckets[minute]++
	c.pruneBucketsLocked(minute)
	c.mu.Unlock()

	requestsTotal.WithLabelValues(route, method, strconv.Itoa(status), service).Inc()
	requestDurationSeconds.WithLabelValues(route, service).Observe(latencyMs / 1000)

	if c.shared != nil {
		if _, err := c.shared.IncrementWithExpiry(ctx, bucketKey(minute), 1, bucketRetention); err != nil {
			c.logger.Debug("failed to update shared request bucket", zap.Error(err))
		}
	}
}

// GetMetrics returns the current aggregate snapshot. It never fails; when
// the shared store is unreachable the RPS figure falls back to local counts.
func (c *Collector) GetMetrics(ctx context.Context) *Snapshot {
	now := time.Now()

	c.mu.Lock()
	snap := &Snapshot{
		TotalRequests:  c.totalRequests,
		TotalSuccesses: c.totalSuccesses,
		TotalFailures:  c.totalFailures,
		PerRoute:       make(map[string]*RouteStats, len(c.perRoute)),
		PerService:     make(map[string]*ServiceStats, len(c.perService)),
		GeneratedAt:    now,
	}
	for route, rs := range c.perRoute {
		cp := *rs
		snap.PerRoute[route] = &cp
	}
	for service, ss := range c.perService {
		cp := *ss
		snap.PerService[service] = &cp
	}

	if c.totalRequests > 0 {
		snap.SuccessRate = float64(c.totalSuccesses) / float64(c.totalRequests) * 100
	}

	if c.latencyCount > 0 {
		var sum float64
		for i := 0; i < c.latencyCount; i++ {
			sum += c.latencies[i]
		}
		snap.AvgLatencyMs = sum / float64(c.latencyCount)
	}

	localWindow := c.windowCountLocked(now)
	c.mu.Unlock()

	windowTotal := localWindow
	if c.shared != nil {
		if shared, ok := c.sharedWindowCount(ctx, now); ok {
			windowTotal = shared
		}
	}
	snap.RequestsPerSecond = float64(windowTotal) / float64(rpsWindow)

	return snap
}

// windowCountLocked sums the trailing minute buckets. Missing minutes count
// as zero. Caller holds the mutex.
func (c *Collector) windowCountLocked(now time.Time) int64 {
	current := now.Unix() / 60
	var total int64
	for m := current - rpsWindow + 1; m <= current; m++ {
		total += c.buckets[m]
	}
	return total
}

func (c *Collector) sharedWindowCount(ctx context.Context, now time.Time) (int64, bool) {
	current := now.Unix() / 60
	var total int64
	for m := current - rpsWindow + 1; m <= current; m++ {
		val, err := c.shared.Get(ctx, bucketKey(m))
		if err != nil {
			if store.IsKeyNotFound(err) {
				continue
			}
			c.logger.Debug("failed to read shared request bucket", zap.Error(err))
			return 0, false
		}
		total += val
	}
	return total, true
}

// pruneBucketsLocked drops buckets past retention. Caller holds the mutex.
func (c *Collector) pruneBucketsLocked(current int64) {
	oldest := current - int64(bucketRetention/time.Minute)
	for m := range c.buckets {
		if m < oldest {
			delete(c.buckets, m)
		}
	}
}

func bucketKey(minute int64) string {
	return "metrics:rps:" + strconv.FormatInt(minute, 10)
}
