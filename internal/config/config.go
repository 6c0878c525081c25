// Package config loads and validates the gateway configuration file and
// watches it for changes.
package config

import (
	"fmt"
	"time"

	"github.com/mlevkov/gwcore/internal/proxy"
	"github.com/mlevkov/gwcore/internal/registry"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// AdminListenAddress serves the management API. Empty shares the
	// proxy listener.
	AdminListenAddress string        `yaml:"admin_listen_address"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the shared store connection settings. An empty address
// keeps the gateway on in-process state.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Enabled reports whether a shared Redis store is configured.
func (r *RedisConfig) Enabled() bool {
	return r != nil && r.Address != ""
}

// RegistryConfig holds service registry settings.
type RegistryConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// CircuitBreakerConfig mirrors the breaker thresholds in YAML form.
type CircuitBreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	Cooldown          time.Duration `yaml:"cooldown"`
	RecoveryThreshold int           `yaml:"recovery_threshold"`
	HalfOpenMax       int           `yaml:"half_open_max"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Server           ServerConfig         `yaml:"server"`
	Redis            *RedisConfig         `yaml:"redis"`
	Registry         RegistryConfig       `yaml:"registry"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
	DefaultRateLimit *proxy.RateLimit     `yaml:"default_rate_limit"`
	Logging          LoggingConfig        `yaml:"logging"`
	Routes           []*proxy.Route       `yaml:"routes"`
}

// DefaultConfig returns a runnable configuration with no routes.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Registry: RegistryConfig{TTL: registry.DefaultTTL},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:  5,
			Cooldown:          60 * time.Second,
			RecoveryThreshold: 2,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate checks the configuration and fills defaults. It returns warnings
// for suspicious but workable settings and an error for unusable ones.
func (c *GatewayConfig) Validate() ([]string, error) {
	var warnings []string
	defaults := DefaultConfig()

	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = defaults.Server.ListenAddress
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if c.Registry.TTL <= 0 {
		c.Registry.TTL = defaults.Registry.TTL
	} else if c.Registry.TTL < 5*time.Second {
		warnings = append(warnings,
			fmt.Sprintf("registry TTL %s is very short; instances may expire between heartbeats", c.Registry.TTL))
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = defaults.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		c.CircuitBreaker.Cooldown = defaults.CircuitBreaker.Cooldown
	}
	if c.CircuitBreaker.RecoveryThreshold <= 0 {
		c.CircuitBreaker.RecoveryThreshold = defaults.CircuitBreaker.RecoveryThreshold
	}
	if c.CircuitBreaker.HalfOpenMax <= 0 {
		c.CircuitBreaker.HalfOpenMax = c.CircuitBreaker.RecoveryThreshold
	}

	if c.DefaultRateLimit != nil &&
		(c.DefaultRateLimit.Requests <= 0 || c.DefaultRateLimit.WindowSeconds <= 0) {
		return warnings, fmt.Errorf("default rate limit requires positive requests and window")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, route := range c.Routes {
		if err := route.Validate(); err != nil {
			return warnings, fmt.Errorf("route %d (%s): %w", i, route.RoutePath, err)
		}
		if seen[route.RoutePath] {
			warnings = append(warnings,
				fmt.Sprintf("duplicate route path %s; the longest-prefix match makes the duplicate unreachable", route.RoutePath))
		}
		seen[route.RoutePath] = true
	}

	return warnings, nil
}
