// Command payment runs the payment service: x402 price quotes,
// EIP-3009 verification and facilitator settlement, the Winston credit
// ledger, and the internal reserve/finalize-reservation routes the
// upload service calls (spec §4.2, §4.4, §6 payment service).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/payment"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/dbx"
	"github.com/permaweb/bundler-gateway/internal/gateway"
	"github.com/permaweb/bundler-gateway/internal/handlers"
	"github.com/permaweb/bundler-gateway/internal/ingest"
	"github.com/permaweb/bundler-gateway/internal/ledger"
	"github.com/permaweb/bundler-gateway/internal/oracle"
	"github.com/permaweb/bundler-gateway/internal/pricing"
	"github.com/permaweb/bundler-gateway/internal/queue/redisqueue"
	"github.com/permaweb/bundler-gateway/internal/server"
	"github.com/permaweb/bundler-gateway/internal/settlement"
	"github.com/permaweb/bundler-gateway/internal/x402"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	paymentDB, err := payment.New(ctx, dbx.Config(cfg.Database))
	if err != nil {
		slog.Error("failed to connect to payment_service database", "error", err)
		os.Exit(1)
	}
	defer paymentDB.Close()

	if err := paymentDB.Migrate(ctx); err != nil {
		slog.Error("failed to migrate payment_service database", "error", err)
		os.Exit(1)
	}

	uploadDB, err := upload.New(ctx, dbx.Config(cfg.UploadDatabase))
	if err != nil {
		slog.Error("failed to connect to upload_service database", "error", err)
		os.Exit(1)
	}
	defer uploadDB.Close()

	gwClient := gateway.NewHTTPClient(cfg.Gateway.BaseURL)
	priceSource := gateway.NewPriceAdapter(gwClient)
	arUSD := oracle.NewCache(oracle.NewHTTPSource(cfg.Oracle.ARUSDSourceURL))
	quoter := pricing.NewQuoter(priceSource, arUSD, cfg.X402.PricingBufferPercent)

	facilitators := buildFacilitators(cfg)
	engine := ingest.NewPaymentEngine(paymentDB, quoter, cfg.X402, facilitators)
	led := ledger.New(paymentDB, quoter, cfg.Pricing)

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	_ = redisqueue.New(redisClient) // reserved for payment-event fan-out; not yet consumed by this service

	healthHandler := handlers.NewHealthHandler(paymentDB, cfg)
	paymentHandler := handlers.NewPaymentHandler(paymentDB, engine, led)
	srv := server.NewPaymentServer(cfg, healthHandler, paymentHandler)

	worker := settlement.NewWorker(paymentDB, uploadDB, settlement.DefaultWorkerConfig())
	worker.Start(ctx)

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cancel()
	worker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited")
}

// buildFacilitators constructs one FacilitatorClient per enabled network.
// When FacilitatorAPIKeyID/FacilitatorAPIKeyPEM are configured, every
// client shares a single CDPSigner's AuthHeader callback so CDP-hosted
// facilitators get a bearer JWT; self-hosted facilitators work fine
// without one, so a missing key pair is not a startup error.
func buildFacilitators(cfg *config.Config) map[string]*x402.FacilitatorClient {
	var authHeader func(ctx context.Context) (string, error)
	if cfg.X402.FacilitatorAPIKeyID != "" && cfg.X402.FacilitatorAPIKeyPEM != "" {
		signer, err := x402.NewCDPSigner(cfg.X402.FacilitatorAPIKeyID, cfg.X402.FacilitatorAPIKeyPEM)
		if err != nil {
			slog.Error("failed to load CDP facilitator signing key", "error", err)
			os.Exit(1)
		}
		authHeader = signer.AuthHeader
	}

	facilitators := make(map[string]*x402.FacilitatorClient)
	for name, net := range cfg.X402.Networks {
		if !net.Enabled {
			continue
		}
		facilitators[name] = x402.NewFacilitatorClient(net.FacilitatorURL, authHeader)
	}
	return facilitators
}

func setupLogging(cfg *config.Config) {
	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}
