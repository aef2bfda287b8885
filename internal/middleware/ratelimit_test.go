package middleware

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permaweb/bundler-gateway/internal/config"
)

func TestRateLimit_BlocksAfterMax(t *testing.T) {
	cfg := &config.RateLimitConfig{
		Enabled:       true,
		WindowSeconds: 60,
		MaxRequests:   5,
	}

	rlm := NewRateLimitMiddleware(cfg)

	app := fiber.New()
	app.Use(rlm.Middleware())
	app.Get("/api/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("X-Forwarded-For", "192.168.1.1")

		resp, err := app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode, "Request %d should succeed", i+1)
	}

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1")

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 429, resp.StatusCode)
}

func TestRateLimit_HealthExempt(t *testing.T) {
	cfg := &config.RateLimitConfig{
		Enabled:       true,
		WindowSeconds: 60,
		MaxRequests:   2,
	}

	rlm := NewRateLimitMiddleware(cfg)

	app := fiber.New()
	app.Use(rlm.Middleware())
	app.Get("/health", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})
	app.Get("/health/live", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})
	app.Get("/health/ready", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	for i := 0; i < 100; i++ {
		paths := []string{"/health", "/health/live", "/health/ready"}
		for _, path := range paths {
			req := httptest.NewRequest("GET", path, nil)
			req.Header.Set("X-Forwarded-For", "192.168.1.1")

			resp, err := app.Test(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, 200, resp.StatusCode, "Health endpoint %s should not be rate limited", path)
		}
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	cfg := &config.RateLimitConfig{
		Enabled:       true,
		WindowSeconds: 60,
		MaxRequests:   1,
	}

	rlm := NewRateLimitMiddleware(cfg)

	app := fiber.New()
	app.Use(rlm.Middleware())
	app.Get("/api/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()

	req = httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 429, resp.StatusCode)

	retryAfter := resp.Header.Get("Retry-After")
	assert.NotEmpty(t, retryAfter)
}

func TestRateLimit_PerIP(t *testing.T) {
	cfg := &config.RateLimitConfig{
		Enabled:       true,
		WindowSeconds: 60,
		MaxRequests:   2,
	}

	rlm := NewRateLimitMiddleware(cfg)

	app := fiber.New(fiber.Config{
		ProxyHeader: "X-Forwarded-For",
	})
	app.Use(rlm.Middleware())
	app.Get("/api/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("X-Forwarded-For", "192.168.1.1")

		resp, err := app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode)
	}

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 429, resp.StatusCode)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("X-Forwarded-For", "192.168.1.2")

		resp, err := app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode, "Different IP should have independent limit")
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	cfg := &config.RateLimitConfig{
		Enabled:       false,
		WindowSeconds: 60,
		MaxRequests:   1,
	}

	rlm := NewRateLimitMiddleware(cfg)

	app := fiber.New()
	app.Use(rlm.Middleware())
	app.Get("/api/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("X-Forwarded-For", "192.168.1.1")

		resp, err := app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode)
	}
}

func TestRateLimit_ResponseBody(t *testing.T) {
	cfg := &config.RateLimitConfig{
		Enabled:       true,
		WindowSeconds: 60,
		MaxRequests:   1,
	}

	rlm := NewRateLimitMiddleware(cfg)

	app := fiber.New()
	app.Use(rlm.Middleware())
	app.Get("/api/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()

	req = httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 429, resp.StatusCode)

	var body map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)

	assert.Contains(t, body, "error")
	assert.Contains(t, body, "message")
	assert.Contains(t, body, "retry_after")
}

func TestIsHealthEndpoint(t *testing.T) {
	testCases := []struct {
		path     string
		expected bool
	}{
		{"/health", true},
		{"/health/", true},
		{"/health/live", true},
		{"/health/ready", true},
		{"/healthcheck", true},
		{"/api/health", false},
		{"/v1/health", false},
		{"/", false},
		{"/api/test", false},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			result := isHealthEndpoint(tc.path)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestRateLimit_WindowExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping time-based test in short mode")
	}

	cfg := &config.RateLimitConfig{
		Enabled:       true,
		WindowSeconds: 1,
		MaxRequests:   2,
	}

	rlm := NewRateLimitMiddleware(cfg)

	app := fiber.New()
	app.Use(rlm.Middleware())
	app.Get("/api/test", func(c fiber.Ctx) error {
		return c.SendStatus(200)
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("X-Forwarded-For", "192.168.1.1")

		resp, err := app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode)
	}

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 429, resp.StatusCode)

	time.Sleep(1100 * time.Millisecond)

	req = httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
