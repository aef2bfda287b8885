package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/payment"
	"github.com/permaweb/bundler-gateway/internal/db/payment/migrations"
	"github.com/permaweb/bundler-gateway/internal/db/testutil"
	"github.com/permaweb/bundler-gateway/internal/dbx"
)

func testPaymentDB(t *testing.T) *payment.DB {
	t.Helper()
	tdb := testutil.NewTestDB(t, migrations.FS())
	t.Cleanup(func() { tdb.Close(t) })
	return payment.NewFromDBX(dbx.NewFromPool(tdb.Pool))
}

func TestHealth_AllUp(t *testing.T) {
	database := testPaymentDB(t)
	resetFacilitatorCache()

	facilitatorServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer facilitatorServer.Close()

	cfg := &config.Config{
		X402: config.X402Config{
			Networks: map[string]config.NetworkConfig{
				"base": {Enabled: true, FacilitatorURL: facilitatorServer.URL},
			},
		},
	}

	handler := NewHealthHandler(database, cfg)
	app := fiber.New()
	handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "dev", body.Version)
	assert.Equal(t, "up", body.Services["database"])
	assert.Equal(t, "up", body.Services["api"])
	assert.Equal(t, "up", body.Services["x402"])
	assert.NotZero(t, body.Timestamp)
}

func TestHealth_DBNotConfigured(t *testing.T) {
	handler := NewHealthHandler(nil, &config.Config{})

	app := fiber.New()
	handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "not_configured", body.Services["database"])
}

func TestHealthReady_DBNotConfigured(t *testing.T) {
	handler := NewHealthHandler(nil, &config.Config{})

	app := fiber.New()
	handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/health/ready", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 503, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "database_unavailable", body["reason"])
}

func TestHealthLive_Always200(t *testing.T) {
	handler := NewHealthHandler(nil, nil)

	app := fiber.New()
	handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/health/live", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
}

func TestHealth_X402Down(t *testing.T) {
	database := testPaymentDB(t)
	resetFacilitatorCache()

	cfg := &config.Config{
		X402: config.X402Config{
			Networks: map[string]config.NetworkConfig{
				"base": {Enabled: true, FacilitatorURL: "http://127.0.0.1:59999"},
			},
		},
	}

	handler := NewHealthHandler(database, cfg)
	app := fiber.New()
	handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "up", body.Services["database"])
	assert.Contains(t, []string{"unreachable", "error"}, body.Services["x402"])
}

func TestHealthReady_ProductionPaymentsNotConfigured(t *testing.T) {
	database := testPaymentDB(t)
	resetFacilitatorCache()

	cfg := &config.Config{
		Environment: config.EnvProduction,
		X402:        config.X402Config{},
	}

	handler := NewHealthHandler(database, cfg)
	app := fiber.New()
	handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/health/ready", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 503, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "payment_not_configured", body["reason"])
}

func TestHealthReady_DevModeNoPayments(t *testing.T) {
	database := testPaymentDB(t)
	resetFacilitatorCache()

	cfg := &config.Config{
		Environment: config.EnvDevelopment,
		X402:        config.X402Config{},
	}

	handler := NewHealthHandler(database, cfg)
	app := fiber.New()
	handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/health/ready", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body["status"])
}

func TestHealth_X402NotConfigured(t *testing.T) {
	database := testPaymentDB(t)
	resetFacilitatorCache()

	cfg := &config.Config{X402: config.X402Config{}}

	handler := NewHealthHandler(database, cfg)
	app := fiber.New()
	handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_configured", body.Services["x402"])
}

func TestHealth_NoConfig(t *testing.T) {
	handler := NewHealthHandler(nil, nil)

	app := fiber.New()
	handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
}
