package server

import (
	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/handlers"
	"github.com/permaweb/bundler-gateway/internal/middleware"
)

// NewPaymentServer builds the Fiber app for the payment service: the
// public x402/balance routes, the internal reserve/finalize routes
// behind the shared-secret middleware, and health checks.
func NewPaymentServer(cfg *config.Config, health *handlers.HealthHandler, payment *handlers.PaymentHandler) *Server {
	s := New(cfg, "bundler-gateway payment service")

	health.RegisterRoutes(s.App)
	payment.RegisterRoutes(s.App)

	internalAuth := middleware.NewInternalAuthMiddleware(&cfg.InternalAPI)
	internalGroup := s.App.Group("/internal", internalAuth.Middleware())
	payment.RegisterInternalRoutes(internalGroup)

	s.NotFound()
	return s
}
