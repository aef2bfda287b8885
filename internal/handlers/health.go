package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/permaweb/bundler-gateway/internal/config"
)

// Version is the application version, set at build time via ldflags.
var Version = "dev"

// Pinger is the subset of *payment.DB / *upload.DB health.go needs,
// satisfied by both logical databases' shared *dbx.DB embedding, so one
// handler covers both the payment and upload cmd/ entrypoints.
type Pinger interface {
	Ping(ctx context.Context) error
}

// facilitatorCache caches the result of the x402 facilitator reachability
// check to avoid an external HTTP call on every health/readiness request.
var facilitatorCache struct {
	mu     sync.Mutex
	status string
	expiry time.Time
}

const facilitatorCacheTTL = 30 * time.Second

// resetFacilitatorCache clears the cached facilitator status (used in tests)
func resetFacilitatorCache() {
	facilitatorCache.mu.Lock()
	facilitatorCache.status = ""
	facilitatorCache.expiry = time.Time{}
	facilitatorCache.mu.Unlock()
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db     Pinger
	config *config.Config
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(database Pinger, cfg *config.Config) *HealthHandler {
	return &HealthHandler{db: database, config: cfg}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Services  map[string]string `json:"services"`
	Timestamp int64             `json:"timestamp"`
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/health/live", h.Liveness)
	app.Get("/health/ready", h.Readiness)
}

// Health returns the full health status
func (h *HealthHandler) Health(c fiber.Ctx) error {
	services := make(map[string]string)
	overallStatus := "healthy"

	dbStatus := h.checkDatabase()
	services["database"] = dbStatus
	if dbStatus != "up" {
		overallStatus = "degraded"
	}

	x402Status := h.checkX402Facilitators()
	services["x402"] = x402Status
	if x402Status != "up" && x402Status != "not_configured" {
		overallStatus = "degraded"
	}

	services["api"] = "up"

	return c.JSON(HealthResponse{
		Status:    overallStatus,
		Version:   Version,
		Services:  services,
		Timestamp: time.Now().Unix(),
	})
}

// Liveness returns liveness probe status
func (h *HealthHandler) Liveness(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// Readiness returns readiness probe status
func (h *HealthHandler) Readiness(c fiber.Ctx) error {
	if dbStatus := h.checkDatabase(); dbStatus != "up" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":   "not_ready",
			"reason":   "database_unavailable",
			"database": dbStatus,
		})
	}

	if h.config != nil && h.config.IsProduction() && len(h.config.X402.EnabledNetworks()) == 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"reason": "payment_not_configured",
		})
	}

	if x402Status := h.checkX402Facilitators(); x402Status != "up" && x402Status != "not_configured" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"reason": "x402_unavailable",
			"x402":   x402Status,
		})
	}

	return c.JSON(fiber.Map{"status": "ready"})
}

// checkDatabase verifies database connectivity
func (h *HealthHandler) checkDatabase() string {
	if h.db == nil {
		return "not_configured"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return "down"
	}
	return "up"
}

// checkX402Facilitators HEAD-checks every enabled network's facilitator
// URL, the whole check reading "up" only if all of them answer. Results
// are cached for facilitatorCacheTTL to avoid a per-request fan-out of
// external HTTP calls.
func (h *HealthHandler) checkX402Facilitators() string {
	if h.config == nil {
		return "not_configured"
	}
	enabled := h.config.X402.EnabledNetworks()
	if len(enabled) == 0 {
		return "not_configured"
	}

	facilitatorCache.mu.Lock()
	if time.Now().Before(facilitatorCache.expiry) {
		status := facilitatorCache.status
		facilitatorCache.mu.Unlock()
		return status
	}
	facilitatorCache.mu.Unlock()

	client := &http.Client{Timeout: 3 * time.Second}
	status := "up"
	for _, name := range enabled {
		url := h.config.X402.Networks[name].FacilitatorURL
		if url == "" {
			continue
		}
		resp, err := client.Head(url)
		if err != nil {
			status = "unreachable"
			break
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			status = "error"
			break
		}
	}

	facilitatorCache.mu.Lock()
	facilitatorCache.status = status
	facilitatorCache.expiry = time.Now().Add(facilitatorCacheTTL)
	facilitatorCache.mu.Unlock()

	return status
}
