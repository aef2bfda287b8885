// Command upload runs the upload service: ANS-104 envelope ingest,
// multipart assembly, the bundle lifecycle engine's queue consumers, and
// the price/status/offset routes the gateway exposes to clients (spec
// §4.1, §4.3, §6 upload service).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/permaweb/bundler-gateway/internal/backupfs"
	"github.com/permaweb/bundler-gateway/internal/bundler"
	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/payment"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/dbx"
	"github.com/permaweb/bundler-gateway/internal/gateway"
	"github.com/permaweb/bundler-gateway/internal/handlers"
	"github.com/permaweb/bundler-gateway/internal/hotcache"
	"github.com/permaweb/bundler-gateway/internal/ingest"
	"github.com/permaweb/bundler-gateway/internal/kms"
	"github.com/permaweb/bundler-gateway/internal/ledger"
	"github.com/permaweb/bundler-gateway/internal/objectstore"
	"github.com/permaweb/bundler-gateway/internal/oracle"
	"github.com/permaweb/bundler-gateway/internal/pricing"
	"github.com/permaweb/bundler-gateway/internal/queue"
	"github.com/permaweb/bundler-gateway/internal/queue/redisqueue"
	"github.com/permaweb/bundler-gateway/internal/server"
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

	uploadDB, err := upload.New(ctx, dbx.Config(cfg.Database))
	if err != nil {
		slog.Error("failed to connect to upload_service database", "error", err)
		os.Exit(1)
	}
	defer uploadDB.Close()

	if err := uploadDB.Migrate(ctx); err != nil {
		slog.Error("failed to migrate upload_service database", "error", err)
		os.Exit(1)
	}

	kmsClient, err := kms.New(ctx, cfg.KMS.Region, cfg.KMS.KeyID)
	if err != nil {
		slog.Error("failed to build KMS client", "error", err)
		os.Exit(1)
	}

	signer, err := bundler.NewSigner(ctx, kmsClient, cfg.Gateway.EncryptedPostingKeyHex)
	if err != nil {
		slog.Error("failed to build bundle signer", "error", err)
		os.Exit(1)
	}

	objectStore, err := objectstore.NewS3Store(ctx, cfg.ObjectStore)
	if err != nil {
		slog.Error("failed to build object store", "error", err)
		os.Exit(1)
	}

	backup := backupfs.New(cfg.BackupFS)
	cache := hotcache.New(cfg.HotCache)

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	queueBackend := redisqueue.New(redisClient)

	gwClient := gateway.NewHTTPClient(cfg.Gateway.BaseURL)
	priceSource := gateway.NewPriceAdapter(gwClient)
	arUSD := oracle.NewCache(oracle.NewHTTPSource(cfg.Oracle.ARUSDSourceURL))
	quoter := pricing.NewQuoter(priceSource, arUSD, cfg.X402.PricingBufferPercent)

	// The credit ledger lives in the payment_service database. A
	// deployment that runs upload and payment as one process pair
	// against one Postgres instance (the default here) opens a direct
	// connection and calls *ledger.Ledger the same way cmd/payment does;
	// a stricter split across hosts would swap this for an internal-HTTP
	// adapter satisfying ingest.BalanceLedger and handlers.PaymentLookup
	// instead, without any handler or pipeline code changing.
	paymentDB, err := payment.New(ctx, dbx.Config(cfg.PaymentDatabase))
	if err != nil {
		slog.Error("failed to connect to payment_service database", "error", err)
		os.Exit(1)
	}
	defer paymentDB.Close()
	led := ledger.New(paymentDB, quoter, cfg.Pricing)

	policies, err := bundler.LoadPolicyTable(cfg.Bundling.DedicatedBundlePolicyPath)
	if err != nil {
		slog.Error("failed to load dedicated-bundle policy table", "error", err)
		os.Exit(1)
	}

	pipeline := ingest.New(uploadDB, objectStore, backup, cache, queueBackend, led, signer, gwClient, cfg.Pricing, cfg.Bundling)

	planner := bundler.NewPlanner(uploadDB, queueBackend, policies, cfg.Bundling)
	preparer := bundler.NewPreparer(uploadDB, objectStore)
	poster := bundler.NewPoster(uploadDB, objectStore, gwClient, signer, cfg.Bundling)
	seeder := bundler.NewSeeder(uploadDB, objectStore, gwClient)
	verifier := bundler.NewVerifier(uploadDB, gwClient, cfg.Bundling)
	offsetWriter := bundler.NewOffsetWriter(uploadDB, objectStore)
	unbundler := bundler.NewUnbundler(uploadDB, objectStore, queueBackend)

	workers := bundler.NewWorkers(queueBackend, uploadDB, backup, planner, preparer, poster, seeder, verifier, offsetWriter, unbundler)
	if err := workers.Start(ctx); err != nil {
		slog.Error("failed to start bundle lifecycle workers", "error", err)
		os.Exit(1)
	}
	startFinalizeUploadConsumer(ctx, queueBackend, pipeline)

	healthHandler := handlers.NewHealthHandler(uploadDB, cfg)
	uploadHandler := handlers.NewUploadHandler(uploadDB, pipeline, quoter, paymentDB)
	srv := server.NewUploadServer(cfg, healthHandler, uploadHandler)

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
	workers.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited")
}

// startFinalizeUploadConsumer registers the finalize-upload queue
// consumer. It lives in cmd/upload rather than internal/bundler because
// its handler calls ingest.Pipeline.RunFinalize, and internal/ingest
// already imports internal/bundler for the queue name constants.
func startFinalizeUploadConsumer(ctx context.Context, backend queue.Backend, pipeline *ingest.Pipeline) {
	go func() {
		opts := queue.Options{
			Concurrency: bundler.FinalizeUploadConcurrency,
			Retries:     3,
			Backoff:     queue.ExponentialBackoff(5*time.Second, 125*time.Second, 5),
		}
		handler := func(ctx context.Context, job *queue.Job) error {
			uploadID, err := uuid.Parse(string(job.Payload))
			if err != nil {
				return err
			}
			receipt, err := pipeline.RunFinalize(ctx, uploadID)
			if err != nil {
				return err
			}
			slog.Info("upload: multipart upload finalized", "upload_id", uploadID, "data_item_id", receipt.ID)
			return nil
		}
		if err := backend.Consume(ctx, bundler.QueueFinalizeUpload, handler, opts); err != nil && ctx.Err() == nil {
			slog.Error("finalize-upload consumer exited", "error", err)
		}
	}()
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
