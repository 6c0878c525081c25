package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mlevkov/gwcore/internal/balancer"
	"github.com/mlevkov/gwcore/internal/circuitbreaker"
	"github.com/mlevkov/gwcore/internal/config"
	"github.com/mlevkov/gwcore/internal/health"
	"github.com/mlevkov/gwcore/internal/metrics"
	"github.com/mlevkov/gwcore/internal/observability/logging"
	"github.com/mlevkov/gwcore/internal/proxy"
	"github.com/mlevkov/gwcore/internal/ratelimit"
	"github.com/mlevkov/gwcore/internal/registry"
	"github.com/mlevkov/gwcore/internal/server"
	"github.com/mlevkov/gwcore/internal/store"
)

// application bundles the wired gateway components for lifecycle control.
type application struct {
	cfg     *config.GatewayConfig
	logger  *logging.Logger
	server  *server.Server
	watcher *config.Watcher
	redis   *redis.Client
	routes  *proxy.RouteTable
}

// buildApplication wires the gateway from configuration. With a Redis
// address configured, registry, breaker, limiter and metrics state are
// shared across gateway instances; otherwise everything stays in-process.
func buildApplication(cfg *config.GatewayConfig, configPath string, logger *logging.Logger) (*application, error) {
	zl := logger.Logger

	var (
		redisClient *redis.Client
		reg         registry.Registry
		breaker     circuitbreaker.Breaker
		limiter     ratelimit.Limiter
		shared      store.Store
	)

	breakerCfg := circuitbreaker.Config{
		FailureThreshold:  cfg.CircuitBreaker.FailureThreshold,
		Cooldown:          cfg.CircuitBreaker.Cooldown,
		RecoveryThreshold: cfg.CircuitBreaker.RecoveryThreshold,
		HalfOpenMax:       cfg.CircuitBreaker.HalfOpenMax,
	}

	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Address, err)
		}

		reg = registry.NewRedisRegistry(redisClient, cfg.Redis.Prefix, cfg.Registry.TTL, zl)
		breaker = circuitbreaker.NewRedisBreaker(redisClient, cfg.Redis.Prefix, breakerCfg, zl)
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.Redis.Prefix, zl)
		shared = store.NewRedisStoreFromClient(redisClient, cfg.Redis.Prefix, zl)

		logger.Info("using shared Redis state", zap.String("address", cfg.Redis.Address))
	} else {
		reg = registry.NewMemoryRegistry(cfg.Registry.TTL, zl)
		breaker = circuitbreaker.NewMemoryBreaker(breakerCfg, zl)
		limiter = ratelimit.NewLocalLimiter()

		logger.Info("using in-process state; rate limits and breakers are per instance")
	}

	collector := metrics.NewCollector(shared, zl)
	table := proxy.NewRouteTable(cfg.Routes)

	var opts []proxy.PipelineOption
	if cfg.DefaultRateLimit != nil {
		opts = append(opts, proxy.WithDefaultRateLimit(cfg.DefaultRateLimit))
	}
	pipeline := proxy.NewPipeline(table, limiter, breaker, balancer.New(reg, zl), reg, collector, zl, opts...)

	checker := health.NewChecker(version)
	registerComponentChecks(checker, reg, breaker, limiter)
	if redisClient != nil {
		checker.RegisterCheck("redis", health.RedisCheck(redisClient))
	}

	serverCfg := server.DefaultConfig()
	serverCfg.Address = cfg.Server.ListenAddress
	srv := server.New(serverCfg, reg, table, breaker, collector, checker, pipeline, zl)

	app := &application{
		cfg:    cfg,
		logger: logger,
		server: srv,
		redis:  redisClient,
		routes: table,
	}

	// Routes reload live on file change; listener and Redis settings need a
	// restart.
	watcher, err := config.NewWatcher(configPath, app.onReload, zl)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	app.watcher = watcher

	return app, nil
}

// registerComponentChecks wires one check per gateway component. The probes
// exercise the component's storage path; a failure degrades rather than
// fails, matching the fail-open posture of the data path.
func registerComponentChecks(
	checker *health.Checker,
	reg registry.Registry,
	breaker circuitbreaker.Breaker,
	limiter ratelimit.Limiter,
) {
	checker.RegisterCheck("registry", func(ctx context.Context) health.Check {
		if _, err := reg.Discover(ctx, "healthcheck"); err != nil {
			return health.Check{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.Check{Status: health.StatusHealthy}
	})

	// The balancer is a pure function over registry reads.
	checker.RegisterCheck("balancer", health.AlwaysHealthy())

	checker.RegisterCheck("circuit_breaker", func(ctx context.Context) health.Check {
		if _, err := breaker.List(ctx); err != nil {
			return health.Check{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.Check{Status: health.StatusHealthy}
	})

	checker.RegisterCheck("rate_limiter", func(ctx context.Context) health.Check {
		if res := limiter.IsAllowed(ctx, "internal:healthcheck", 60, time.Minute); res.FailedOpen {
			return health.Check{Status: health.StatusDegraded, Message: "limiter storage unavailable, failing open"}
		}
		return health.Check{Status: health.StatusHealthy}
	})
}

func (a *application) onReload(cfg *config.GatewayConfig) {
	a.routes.Replace(cfg.Routes)
	a.logger.Info("routes reloaded", zap.Int("count", len(cfg.Routes)))
}

func (a *application) start() error {
	if err := a.watcher.Start(context.Background()); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	return a.server.Start()
}

func (a *application) stop(ctx context.Context) error {
	var errs []error

	if err := a.watcher.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("config watcher: %w", err))
	}
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
