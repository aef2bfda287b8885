package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/permaweb/bundler-gateway/internal/config"
)

// InternalAuthMiddleware guards the service-to-service routes spec §4.4
// reserves for internal callers (reserve-balance, finalize-reservation) with
// a shared bearer secret, generalizing the teacher's APIKeyMiddleware header
// extraction from a per-account hashed key lookup to a single process-wide
// secret comparison.
type InternalAuthMiddleware struct {
	config *config.InternalAPIConfig
}

// NewInternalAuthMiddleware creates a new internal auth middleware instance.
func NewInternalAuthMiddleware(cfg *config.InternalAPIConfig) *InternalAuthMiddleware {
	return &InternalAuthMiddleware{config: cfg}
}

// Middleware returns a handler that validates the `Authorization: Bearer
// <secret>` header against the configured shared secret using a
// constant-time comparison. An unconfigured secret rejects every request,
// since there is then no way to tell an internal caller from an external one.
func (m *InternalAuthMiddleware) Middleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		if m.config == nil || m.config.SharedSecret == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "internal API is not configured",
			})
		}

		token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "bearer token required",
			})
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(m.config.SharedSecret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid internal API token",
			})
		}

		return c.Next()
	}
}
