// Package server wires the Fiber app shared by both the payment and
// upload cmd/ entrypoints: middleware, the apperror-aware error handler,
// and lifecycle (Start/Shutdown). Each service's own package
// (internal/server's PaymentServer/UploadServer, built by their
// respective cmd/ mains) supplies the route registration the teacher's
// single setupRoutes did for its one service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/permaweb/bundler-gateway/internal/apperror"
	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/middleware"
)

// Server is the common Fiber app shell both cmd/payment and cmd/upload
// build on: recover/logger/CORS/security-headers/rate-limit middleware,
// an apperror-aware error handler, and graceful Listen/Shutdown.
type Server struct {
	App    *fiber.App
	config *config.Config
}

// New builds the shared Fiber app shell for appName ("bundler-gateway
// payment service" or "bundler-gateway upload service"), following the
// teacher's fiber.New(fiber.Config{...})
// + setupMiddleware() shape.
func New(cfg *config.Config, appName string) *Server {
	app := fiber.New(fiber.Config{
		AppName:      appName,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ProxyHeader:  cfg.Server.ProxyHeader,
		ErrorHandler: errorHandler,
	})

	s := &Server{App: app, config: cfg}
	s.setupMiddleware()
	return s
}

// setupMiddleware installs the middleware stack common to both services.
// CORS allows the X-PAYMENT/X-PAYMENT-RESPONSE headers spec §4.2's x402
// flow exchanges, mirroring the teacher's payment-aware CORS config.
func (s *Server) setupMiddleware() {
	s.App.Use(recover.New())
	s.App.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-PAYMENT", "X-PAYMENT-RESPONSE", "Authorization"},
		ExposeHeaders:    []string{"X-PAYMENT-RESPONSE"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.App.Use(middleware.RequestID())
	s.App.Use(middleware.SecurityHeaders())
	s.App.Use(middleware.NewRateLimitMiddleware(&s.config.RateLimit).Middleware())
}

// NotFound registers the catch-all 404 handler. Callers register it last,
// after every route group, matching the teacher's setupRoutes ordering.
func (s *Server) NotFound() {
	s.App.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not found",
			"message": "the requested endpoint does not exist",
			"path":    c.Path(),
		})
	})
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Server.Port)
	slog.Info("starting server", "addr", addr)
	return s.App.Listen(addr)
}

// Shutdown gracefully drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down server")
	return s.App.ShutdownWithContext(ctx)
}

// errorHandler maps an apperror.Error's Kind to its HTTP status, falling
// back to *fiber.Error for errors Fiber itself raises (e.g. body size
// limits) before either is recognized, internal server error.
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"
	var payload any

	if ae, ok := apperror.As(err); ok {
		code = apperror.StatusCode(ae.Kind)
		message = ae.Message
		payload = ae.Payload
	} else if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
		message = fe.Message
	}

	if code >= 500 {
		slog.Error("request failed", "error", err, "path", c.Path(), "request_id", middleware.GetRequestID(c))
	}

	body := fiber.Map{
		"error":      message,
		"status":     code,
		"timestamp":  time.Now().Unix(),
		"request_id": middleware.GetRequestID(c),
	}
	if payload != nil {
		body["accepts"] = payload
	}

	return c.Status(code).JSON(body)
}
