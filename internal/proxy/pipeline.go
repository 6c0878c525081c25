package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mlevkov/gwcore/internal/balancer"
	"github.com/mlevkov/gwcore/internal/circuitbreaker"
	"github.com/mlevkov/gwcore/internal/metrics"
	"github.com/mlevkov/gwcore/internal/ratelimit"
	"github.com/mlevkov/gwcore/internal/registry"
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Pipeline is the request path of the gateway: match route, enforce the
// rate limit, consult the circuit breaker, pick an instance and forward.
// Every request produces exactly one metrics observation, whichever stage
// it ends at.
type Pipeline struct {
	routes    *RouteTable
	limiter   ratelimit.Limiter
	breaker   circuitbreaker.Breaker
	balancer  *balancer.LoadBalancer
	registry  registry.Registry
	collector *metrics.Collector
	logger    *zap.Logger
	client    *http.Client

	// defaultRateLimit applies to routes without their own limit. Nil
	// disables limiting for those routes.
	defaultRateLimit *RateLimit
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithDefaultRateLimit sets the limit applied to routes without one.
func WithDefaultRateLimit(rl *RateLimit) PipelineOption {
	return func(p *Pipeline) {
		p.defaultRateLimit = rl
	}
}

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(client *http.Client) PipelineOption {
	return func(p *Pipeline) {
		p.client = client
	}
}

// NewPipeline wires the proxy stages together.
func NewPipeline(
	routes *RouteTable,
	limiter ratelimit.Limiter,
	breaker circuitbreaker.Breaker,
	lb *balancer.LoadBalancer,
	reg registry.Registry,
	collector *metrics.Collector,
	logger *zap.Logger,
	opts ...PipelineOption,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		routes:    routes,
		limiter:   limiter,
		breaker:   breaker,
		balancer:  lb,
		registry:  reg,
		collector: collector,
		logger:    logger,
		client: &http.Client{
			// Per-request deadlines come from the route config; redirects
			// from backends are passed through, not followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	route := p.routes.Match(r.URL.Path)
	if route == nil {
		p.writeError(w, http.StatusNotFound, "no matching route")
		p.observe(r, "", "", start, http.StatusNotFound)
		return
	}
	if !route.AllowsMethod(r.Method) {
		p.writeError(w, http.StatusMethodNotAllowed, "method not allowed on this route")
		p.observe(r, route.RoutePath, route.ServiceName, start, http.StatusMethodNotAllowed)
		return
	}

	clientIP := clientAddr(r)

	if limit := p.effectiveLimit(route); limit != nil {
		res := p.limiter.IsAllowed(r.Context(), route.RoutePath+":"+clientIP, limit.Requests, limit.Window())
		setRateLimitHeaders(w, res)
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
			p.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			p.observe(r, route.RoutePath, route.ServiceName, start, http.StatusTooManyRequests)
			return
		}
	}

	if route.CircuitBreakerEnabled &&
		!p.breaker.CanExecute(r.Context(), route.ServiceName, route.RoutePath) {
		p.writeError(w, http.StatusServiceUnavailable, "circuit breaker open")
		p.observe(r, route.RoutePath, route.ServiceName, start, http.StatusServiceUnavailable)
		return
	}

	inst, err := p.balancer.SelectInstance(r.Context(), route.ServiceName, route.Strategy, clientIP)
	if err != nil {
		p.logger.Warn("no instance available",
			zap.String("service", route.ServiceName),
			zap.String("route", route.RoutePath),
			zap.Error(err),
		)
		p.writeError(w, http.StatusServiceUnavailable, "no healthy instance available")
		p.observe(r, route.RoutePath, route.ServiceName, start, http.StatusServiceUnavailable)
		return
	}

	status := p.forward(w, r, route, inst)
	p.observe(r, route.RoutePath, route.ServiceName, start, status)
}

// forward performs the outbound call and returns the status written to the
// client.
func (p *Pipeline) forward(
	w http.ResponseWriter,
	r *http.Request,
	route *Route,
	inst *registry.ServiceInstance,
) int {
	outURL, err := buildTargetURL(inst.BaseURL, route, r.URL)
	if err != nil {
		p.logger.Error("invalid backend URL",
			zap.String("service", route.ServiceName),
			zap.String("instance", inst.ID),
			zap.Error(err),
		)
		p.recordOutcome(r.Context(), route, inst, false, 0)
		p.writeError(w, http.StatusBadGateway, "invalid backend address")
		return http.StatusBadGateway
	}

	ctx, cancel := context.WithTimeout(r.Context(), route.Timeout())
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, outURL, r.Body)
	if err != nil {
		p.recordOutcome(r.Context(), route, inst, false, 0)
		p.writeError(w, http.StatusBadGateway, "failed to build backend request")
		return http.StatusBadGateway
	}
	copyProxyHeaders(out, r)

	p.balancer.Acquire(inst.ID)
	start := time.Now()
	resp, err := p.client.Do(out)
	latencyMs := time.Since(start).Milliseconds()
	p.balancer.Release(inst.ID)

	if err != nil {
		// Timeouts, refused connections and client cancellations all count
		// against the instance and the breaker.
		p.logger.Warn("backend call failed",
			zap.String("service", route.ServiceName),
			zap.String("route", route.RoutePath),
			zap.String("instance", inst.ID),
			zap.Error(err),
		)
		p.recordOutcome(r.Context(), route, inst, false, latencyMs)
		// Both are bad-gateway outcomes for breaker and health accounting;
		// 504 vs 502 only tells the client whether the deadline was the cause.
		if errors.Is(err, context.DeadlineExceeded) {
			p.writeError(w, http.StatusGatewayTimeout, "backend timed out")
			return http.StatusGatewayTimeout
		}
		p.writeError(w, http.StatusBadGateway, "backend unavailable")
		return http.StatusBadGateway
	}
	defer func() { _ = resp.Body.Close() }()

	// 5xx responses reach the client unchanged but count as failures for
	// health tracking and the breaker.
	p.recordOutcome(r.Context(), route, inst, resp.StatusCode < 500, latencyMs)

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("response copy interrupted", zap.Error(err))
	}
	return resp.StatusCode
}

// recordOutcome updates the breaker and instance health for one call.
func (p *Pipeline) recordOutcome(
	ctx context.Context,
	route *Route,
	inst *registry.ServiceInstance,
	success bool,
	latencyMs int64,
) {
	// Health bookkeeping still matters when the client went away, so a
	// cancelled request context must not abort it.
	ctx = context.WithoutCancel(ctx)

	if route.CircuitBreakerEnabled {
		if success {
			p.breaker.RecordSuccess(ctx, route.ServiceName, route.RoutePath)
		} else {
			p.breaker.RecordFailure(ctx, route.ServiceName, route.RoutePath)
		}
	}

	status := registry.StatusHealthy
	if !success {
		status = registry.StatusUnhealthy
	}
	if err := p.registry.UpdateHealth(ctx, route.ServiceName, inst.ID, status, latencyMs); err != nil {
		p.logger.Debug("failed to update instance health",
			zap.String("instance", inst.ID),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) observe(r *http.Request, route, service string, start time.Time, status int) {
	if route == "" {
		route = "unmatched"
	}
	if service == "" {
		service = "none"
	}
	latencyMs := float64(time.Since(start).Microseconds()) / 1000
	p.collector.RecordRequest(context.WithoutCancel(r.Context()), route, r.Method, status, latencyMs, service)
}

func (p *Pipeline) effectiveLimit(route *Route) *RateLimit {
	if route.RateLimit != nil {
		return route.RateLimit
	}
	return p.defaultRateLimit
}

func (p *Pipeline) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `{"error":`+strconv.Quote(message)+`}`)
}

// buildTargetURL joins the instance base URL with the outbound path. The
// matched RoutePath prefix is replaced by TargetPath when one is set.
func buildTargetURL(baseURL string, route *Route, inbound *url.URL) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	if base.Scheme == "" || base.Host == "" {
		return "", errors.New("backend base URL missing scheme or host")
	}

	path := inbound.Path
	if route.TargetPath != "" {
		path = route.TargetPath + strings.TrimPrefix(path, route.RoutePath)
	}

	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + path
	target.RawQuery = inbound.RawQuery
	return target.String(), nil
}

// copyProxyHeaders carries the inbound headers minus hop-by-hop ones and
// appends the standard forwarding headers.
func copyProxyHeaders(out, in *http.Request) {
	for key, values := range in.Header {
		for _, v := range values {
			out.Header.Add(key, v)
		}
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
}

// clientAddr extracts the caller IP, preferring the first X-Forwarded-For
// entry set by an upstream proxy.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func setRateLimitHeaders(w http.ResponseWriter, res *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
