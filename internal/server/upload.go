package server

import (
	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/handlers"
)

// NewUploadServer builds the Fiber app for the upload service: the
// ingest/multipart/price/status/offset routes and health checks.
func NewUploadServer(cfg *config.Config, health *handlers.HealthHandler, upload *handlers.UploadHandler) *Server {
	s := New(cfg, "bundler-gateway upload service")

	health.RegisterRoutes(s.App)
	upload.RegisterRoutes(s.App)

	s.NotFound()
	return s
}
