// Package settlement provides a background worker that expires stale x402
// payment reservations.
package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/permaweb/bundler-gateway/internal/db/payment"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
)

// WorkerConfig holds configuration for the settlement worker.
type WorkerConfig struct {
	// ExpirationCheckInterval is how often to sweep for expired reservations.
	ExpirationCheckInterval time.Duration
}

// DefaultWorkerConfig returns sensible defaults for the worker.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		ExpirationCheckInterval: 1 * time.Minute,
	}
}

// Worker sweeps expired x402 reservations out of the payment service and
// fails the corresponding data item uploads, closing the window spec §4.2
// leaves open when a payer quotes a price and never completes payment.
// Unlike the teacher's two-loop worker, settlement itself is synchronous
// (PaymentEngine.VerifyAndSettle runs inline on the request path), so only
// the expiration sweep survives as a background loop.
type Worker struct {
	paymentDB *payment.DB
	uploadDB  *upload.DB
	config    *WorkerConfig
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWorker creates a new settlement worker.
func NewWorker(paymentDB *payment.DB, uploadDB *upload.DB, cfg *WorkerConfig) *Worker {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	return &Worker{
		paymentDB: paymentDB,
		uploadDB:  uploadDB,
		config:    cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runExpirationLoop(ctx)
	}()

	slog.Info("settlement worker started", "interval", w.config.ExpirationCheckInterval)
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("settlement worker stopped")
}

func (w *Worker) runExpirationLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.ExpirationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.expireStaleReservations(ctx)
		}
	}
}

// expireStaleReservations sweeps reservations whose payment window has
// closed and marks the associated uploads failed so they never reach the
// bundling pipeline unpaid.
func (w *Worker) expireStaleReservations(ctx context.Context) {
	dataItemIDs, err := w.paymentDB.SweepExpiredX402Reservations(ctx)
	if err != nil {
		slog.Error("settlement: sweep expired x402 reservations", "error", err)
		return
	}
	if len(dataItemIDs) == 0 {
		return
	}

	slog.Info("settlement: expiring unpaid reservations", "count", len(dataItemIDs))
	for _, dataItemID := range dataItemIDs {
		if err := w.uploadDB.MoveToFailed(ctx, dataItemID, "x402 payment reservation expired"); err != nil {
			slog.Error("settlement: mark upload failed after expired reservation",
				"data_item_id", dataItemID, "error", err)
		}
	}
}
