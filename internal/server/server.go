// Package server exposes the gateway's HTTP surface: the management API,
// health and Prometheus endpoints, and the proxy itself as the fallback
// handler.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mlevkov/gwcore/internal/circuitbreaker"
	"github.com/mlevkov/gwcore/internal/health"
	"github.com/mlevkov/gwcore/internal/metrics"
	"github.com/mlevkov/gwcore/internal/proxy"
	"github.com/mlevkov/gwcore/internal/registry"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions.
var ginModeOnce sync.Once

// Config holds the HTTP server settings.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns server defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Server hosts the management API and the proxy pipeline on one listener.
// Paths the engine does not know (everything outside /admin, /health and
// /metrics) fall through to the pipeline.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *Config
	logger     *zap.Logger

	registry  registry.Registry
	routes    *proxy.RouteTable
	breaker   circuitbreaker.Breaker
	collector *metrics.Collector
	checker   *health.Checker
	pipeline  *proxy.Pipeline

	mu      sync.Mutex
	running bool
}

// New assembles the server around the gateway components.
func New(
	config *Config,
	reg registry.Registry,
	routes *proxy.RouteTable,
	breaker circuitbreaker.Breaker,
	collector *metrics.Collector,
	checker *health.Checker,
	pipeline *proxy.Pipeline,
	logger *zap.Logger,
) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:    gin.New(),
		config:    config,
		logger:    logger,
		registry:  reg,
		routes:    routes,
		breaker:   breaker,
		collector: collector,
		checker:   checker,
		pipeline:  pipeline,
	}
	s.engine.Use(gin.Recovery())
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	admin := s.engine.Group("/admin")
	{
		admin.POST("/services", s.handleRegisterService)
		admin.GET("/services/:name", s.handleDiscoverService)
		admin.PUT("/services/:name/instances/:id/health", s.handleUpdateHealth)
		admin.DELETE("/services/:name/instances/:id", s.handleDeregisterService)

		admin.GET("/routes", s.handleListRoutes)
		admin.POST("/routes", s.handleAddRoute)

		admin.GET("/circuit-breakers", s.handleCircuitBreakers)
		admin.GET("/metrics", s.handleMetricsSnapshot)
	}

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.NoRoute(gin.WrapH(s.pipeline))
}

// Handler returns the combined handler, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the listener until it fails or Stop is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", zap.String("address", s.config.Address))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
