package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevkov/gwcore/internal/balancer"
	"github.com/mlevkov/gwcore/internal/circuitbreaker"
	"github.com/mlevkov/gwcore/internal/metrics"
	"github.com/mlevkov/gwcore/internal/ratelimit"
	"github.com/mlevkov/gwcore/internal/registry"
)

type fixture struct {
	pipeline  *Pipeline
	registry  *registry.MemoryRegistry
	breaker   circuitbreaker.Breaker
	collector *metrics.Collector
	table     *RouteTable
}

func newFixture(t *testing.T, routes []*Route, opts ...PipelineOption) *fixture {
	t.Helper()

	for _, r := range routes {
		require.NoError(t, r.Validate())
	}

	reg := registry.NewMemoryRegistry(time.Minute, nil)
	breaker := circuitbreaker.NewMemoryBreaker(circuitbreaker.Config{
		FailureThreshold:  5,
		Cooldown:          60 * time.Second,
		RecoveryThreshold: 2,
	}, nil)
	collector := metrics.NewCollector(nil, nil)
	table := NewRouteTable(routes)

	p := NewPipeline(
		table,
		ratelimit.NewLocalLimiter(),
		breaker,
		balancer.New(reg, nil),
		reg,
		collector,
		nil,
		opts...,
	)

	return &fixture{pipeline: p, registry: reg, breaker: breaker, collector: collector, table: table}
}

func (f *fixture) register(t *testing.T, service, baseURL string) string {
	t.Helper()
	id, _, err := f.registry.Register(context.Background(), &registry.ServiceInstance{
		ServiceName: service,
		BaseURL:     baseURL,
		Weight:      1,
	})
	require.NoError(t, err)
	return id
}

func ordersRoute() *Route {
	return &Route{
		RoutePath:             "/api/orders",
		ServiceName:           "orders-service",
		CircuitBreakerEnabled: true,
	}
}

func TestPipeline_ProxiesToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders/42", r.URL.Path)
		assert.Equal(t, "full=true", r.URL.RawQuery)
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
		w.Header().Set("X-Backend", "orders-1")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"id":42}`)
	}))
	defer backend.Close()

	f := newFixture(t, []*Route{ordersRoute()})
	f.register(t, "orders-service", backend.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/orders/42?full=true", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	f.pipeline.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":42}`, rec.Body.String())
	assert.Equal(t, "orders-1", rec.Header().Get("X-Backend"))
}

func TestPipeline_TargetPathRewrite(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/v2/orders/42", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	route := ordersRoute()
	route.TargetPath = "/internal/v2/orders"
	f := newFixture(t, []*Route{route})
	f.register(t, "orders-service", backend.URL)

	rec := httptest.NewRecorder()
	f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/42", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipeline_UnmatchedPath(t *testing.T) {
	f := newFixture(t, []*Route{ordersRoute()})

	rec := httptest.NewRecorder()
	f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no matching route")
}

func TestPipeline_MethodNotAllowed(t *testing.T) {
	route := ordersRoute()
	route.Methods = []string{"GET"}
	f := newFixture(t, []*Route{route})

	rec := httptest.NewRecorder()
	f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/orders/1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPipeline_NoHealthyInstance(t *testing.T) {
	f := newFixture(t, []*Route{ordersRoute()})

	rec := httptest.NewRecorder()
	f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no healthy instance")
}

func TestPipeline_RateLimitPerClient(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	route := ordersRoute()
	route.RateLimit = &RateLimit{Requests: 3, WindowSeconds: 60}
	f := newFixture(t, []*Route{route})
	f.register(t, "orders-service", backend.URL)

	send := func(addr string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		req.RemoteAddr = addr
		f.pipeline.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		rec := send("203.0.113.9:51000")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := send("203.0.113.9:51000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different caller has its own budget.
	assert.Equal(t, http.StatusOK, send("198.51.100.4:4000").Code)
}

func TestPipeline_DefaultRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newFixture(t, []*Route{ordersRoute()},
		WithDefaultRateLimit(&RateLimit{Requests: 1, WindowSeconds: 60}))
	f.register(t, "orders-service", backend.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	f.pipeline.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.pipeline.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPipeline_BackendErrorMarksInstanceUnhealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	f := newFixture(t, []*Route{ordersRoute()})
	id := f.register(t, "orders-service", backend.URL)

	rec := httptest.NewRecorder()
	f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	// The 5xx passes through unchanged but counts against the instance.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	inst, err := f.registry.Get(context.Background(), "orders-service", id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusUnhealthy, inst.Status)
	assert.Equal(t, 1, inst.ConsecutiveFailures)
}

func TestPipeline_UnreachableBackendGives502(t *testing.T) {
	f := newFixture(t, []*Route{ordersRoute()})
	f.register(t, "orders-service", "http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "backend unavailable")
}

func TestPipeline_CircuitOpensAfterFailures(t *testing.T) {
	var hits int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	f := newFixture(t, []*Route{ordersRoute()})
	id := f.register(t, "orders-service", backend.URL)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		// Keep the instance discoverable despite its failures.
		require.NoError(t, f.registry.UpdateHealth(
			context.Background(), "orders-service", id, registry.StatusHealthy, -1))
	}
	require.Equal(t, 5, hits)

	// The circuit is open now: rejected without an outbound attempt.
	rec := httptest.NewRecorder()
	f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "circuit breaker open")
	assert.Equal(t, 5, hits)

	st, err := f.breaker.Status(context.Background(), "orders-service", "/api/orders")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, st.State)
}

func TestPipeline_BreakerDisabledRouteSkipsBreaker(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	route := ordersRoute()
	route.CircuitBreakerEnabled = false
	f := newFixture(t, []*Route{route})
	id := f.register(t, "orders-service", backend.URL)

	for i := 0; i < 8; i++ {
		rec := httptest.NewRecorder()
		f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		require.NoError(t, f.registry.UpdateHealth(
			context.Background(), "orders-service", id, registry.StatusHealthy, -1))
	}

	st, err := f.breaker.Status(context.Background(), "orders-service", "/api/orders")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, st.State)
}

func TestPipeline_MetricsRecordedPerOutcome(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newFixture(t, []*Route{ordersRoute()})
	f.register(t, "orders-service", backend.URL)

	f.pipeline.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	f.pipeline.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	snap := f.collector.GetMetrics(context.Background())
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalSuccesses)
	assert.Equal(t, int64(1), snap.PerRoute["/api/orders"].Requests)
	assert.Equal(t, int64(1), snap.PerRoute["unmatched"].Requests)
}

// Full gateway scenario: three instances behind one route, round robin
// spreads traffic evenly, then repeated failures open the circuit.
func TestPipeline_EndToEndOrdersService(t *testing.T) {
	var failing atomic.Bool
	var hits [3]int
	backends := make([]*httptest.Server, 3)
	for i := range backends {
		i := i
		backends[i] = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits[i]++
			if failing.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "instance-"+strings.Repeat("i", i+1))
		}))
		defer backends[i].Close()
	}

	f := newFixture(t, []*Route{ordersRoute()})
	for _, b := range backends {
		f.register(t, "orders-service", b.URL)
	}

	// Six requests cycle round robin over three instances twice.
	for i := 0; i < 6; i++ {
		rec := httptest.NewRecorder()
		f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	for i := range hits {
		assert.Equal(t, 2, hits[i], "instance %d should have served twice", i)
	}

	// All instances start failing; five failures open the circuit.
	failing.Store(true)
	ctx := context.Background()
	instances, err := f.registry.Discover(ctx, "orders-service")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		for _, inst := range instances {
			_ = f.registry.UpdateHealth(ctx, "orders-service", inst.ID, registry.StatusHealthy, -1)
		}
	}

	rec := httptest.NewRecorder()
	f.pipeline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "circuit breaker open")

	snap := f.collector.GetMetrics(ctx)
	assert.Equal(t, int64(12), snap.TotalRequests)
	assert.Equal(t, int64(6), snap.TotalSuccesses)
	assert.Equal(t, int64(6), snap.TotalFailures)
}
