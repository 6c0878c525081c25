package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevkov/gwcore/internal/config"
	"github.com/mlevkov/gwcore/internal/observability/logging"
	"github.com/mlevkov/gwcore/internal/proxy"
)

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("GWCORE_TEST_KEY", "set")
	assert.Equal(t, "set", getEnvOrDefault("GWCORE_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", getEnvOrDefault("GWCORE_TEST_KEY_MISSING", "fallback"))
}

func TestBuildApplication_InMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_address: ":0"
routes:
  - route_path: /api/orders
    service_name: orders-service
`), 0o600))

	cfg, _, err := config.LoadConfig(path)
	require.NoError(t, err)

	logger, err := logging.NewLogger(nil)
	require.NoError(t, err)

	app, err := buildApplication(cfg, path, logger)
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Nil(t, app.redis)
	assert.Len(t, app.routes.Routes(), 1)

	assert.NoError(t, app.stop(context.Background()))
}

func TestBuildApplication_HealthReportsAllComponents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	cfg, _, err := config.LoadConfig(path)
	require.NoError(t, err)

	logger, err := logging.NewLogger(nil)
	require.NoError(t, err)

	app, err := buildApplication(cfg, path, logger)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, check := range []string{"registry", "balancer", "circuit_breaker", "rate_limiter"} {
		assert.Contains(t, body, check)
	}
}

func TestBuildApplication_RedisUnreachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  address: "127.0.0.1:1"
`), 0o600))

	cfg, _, err := config.LoadConfig(path)
	require.NoError(t, err)

	logger, err := logging.NewLogger(nil)
	require.NoError(t, err)

	_, err = buildApplication(cfg, path, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestApplication_RouteReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	cfg, _, err := config.LoadConfig(path)
	require.NoError(t, err)

	logger, err := logging.NewLogger(nil)
	require.NoError(t, err)

	app, err := buildApplication(cfg, path, logger)
	require.NoError(t, err)

	next := config.DefaultConfig()
	next.Routes = []*proxy.Route{{RoutePath: "/api/users", ServiceName: "users-service"}}
	require.NoError(t, next.Routes[0].Validate())

	app.onReload(next)
	routes := app.routes.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "/api/users", routes[0].RoutePath)
}
