// Package proxy forwards client requests to registered backend instances,
// applying rate limits and circuit breaking along the way.
package proxy

import (
	"strings"
	"sync"
	"time"

	"github.com/mlevkov/gwcore/internal/balancer"
	"github.com/mlevkov/gwcore/internal/util"
)

// Route timeout and retry bounds.
const (
	MinTimeoutSeconds = 1
	MaxTimeoutSeconds = 300
	MaxRetryAttempts  = 10

	DefaultTimeoutSeconds = 30
)

// RateLimit is a per-route request budget.
type RateLimit struct {
	Requests      int `json:"requests" yaml:"requests"`
	WindowSeconds int `json:"windowSeconds" yaml:"window_seconds"`
}

// Window returns the limit window as a duration.
func (r *RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Route maps an inbound path to a backend service.
type Route struct {
	// RoutePath is the inbound path prefix this route matches.
	RoutePath string `json:"routePath" yaml:"route_path"`

	// ServiceName is the registry service the route forwards to.
	ServiceName string `json:"serviceName" yaml:"service_name"`

	// TargetPath replaces the matched RoutePath prefix on the outbound
	// request. Empty keeps the inbound path.
	TargetPath string `json:"targetPath,omitempty" yaml:"target_path"`

	// Methods restricts the route to the listed HTTP methods. Empty
	// allows all.
	Methods []string `json:"methods,omitempty" yaml:"methods"`

	// AuthRequired is carried through for upstream enforcement; the
	// gateway itself does not authenticate.
	AuthRequired bool `json:"authRequired" yaml:"auth_required"`

	// RateLimit, when set, bounds requests per client IP on this route.
	RateLimit *RateLimit `json:"rateLimit,omitempty" yaml:"rate_limit"`

	// TimeoutSeconds bounds the outbound call, within [1, 300].
	TimeoutSeconds int `json:"timeoutSeconds" yaml:"timeout_seconds"`

	// RetryAttempts is recorded per route but retries are not executed;
	// replaying a possibly non-idempotent request needs caller opt-in.
	RetryAttempts int `json:"retryAttempts" yaml:"retry_attempts"`

	// CircuitBreakerEnabled gates breaker checks for this route.
	CircuitBreakerEnabled bool `json:"circuitBreakerEnabled" yaml:"circuit_breaker_enabled"`

	// Strategy selects the load balancing algorithm.
	Strategy balancer.Strategy `json:"strategy" yaml:"strategy"`
}

// Validate checks route bounds and fills defaults.
func (r *Route) Validate() error {
	if r.RoutePath == "" || !strings.HasPrefix(r.RoutePath, "/") {
		return util.WrapError(util.ErrInvalidInput, "route path must start with /")
	}
	if r.ServiceName == "" {
		return util.WrapError(util.ErrInvalidInput, "service name is required")
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if r.TimeoutSeconds < MinTimeoutSeconds || r.TimeoutSeconds > MaxTimeoutSeconds {
		return util.WrapError(util.ErrInvalidInput, "timeout must be within [1,300] seconds")
	}
	if r.RetryAttempts < 0 || r.RetryAttempts > MaxRetryAttempts {
		return util.WrapError(util.ErrInvalidInput, "retry attempts must be within [0,10]")
	}
	if r.RateLimit != nil && (r.RateLimit.Requests <= 0 || r.RateLimit.WindowSeconds <= 0) {
		return util.WrapError(util.ErrInvalidInput, "rate limit requires positive requests and window")
	}
	if r.Strategy == "" {
		r.Strategy = balancer.StrategyRoundRobin
	}
	if !r.Strategy.Valid() {
		return util.WrapError(util.ErrInvalidInput, "unknown strategy "+string(r.Strategy))
	}
	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(m)
	}
	return nil
}

// AllowsMethod reports whether the route accepts the HTTP method.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Timeout returns the outbound call deadline as a duration.
func (r *Route) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// RouteTable holds the active routes and answers longest-prefix matches.
// The whole table is swapped atomically on config reload, so lookups never
// see a partial update.
type RouteTable struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewRouteTable creates a table with the given routes.
func NewRouteTable(routes []*Route) *RouteTable {
	t := &RouteTable{}
	t.Replace(routes)
	return t
}

// Replace swaps the full route set.
func (t *RouteTable) Replace(routes []*Route) {
	t.mu.Lock()
	t.routes = append([]*Route(nil), routes...)
	t.mu.Unlock()
}

// Add appends one route.
func (t *RouteTable) Add(route *Route) {
	t.mu.Lock()
	t.routes = append(t.routes, route)
	t.mu.Unlock()
}

// Routes returns a copy of the active route set.
func (t *RouteTable) Routes() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Route(nil), t.routes...)
}

// Match returns the route with the longest path prefix matching the request
// path on a segment boundary, or nil.
func (t *RouteTable) Match(path string) *Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Route
	for _, route := range t.routes {
		if !pathHasPrefix(path, route.RoutePath) {
			continue
		}
		if best == nil || len(route.RoutePath) > len(best.RoutePath) {
			best = route
		}
	}
	return best
}

// pathHasPrefix reports whether prefix matches path on a path-segment
// boundary, so /api/order does not match the /api/orders route.
func pathHasPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
