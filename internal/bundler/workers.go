package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/permaweb/bundler-gateway/internal/backupfs"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/queue"
)

// Stage queue concurrency figures, carried over from the bundle lifecycle
// engine's durable multi-queue design.
const (
	planBundleConcurrency     = 1
	prepareBundleConcurrency  = 3
	postBundleConcurrency     = 2
	seedBundleConcurrency     = 2
	verifyBundleConcurrency   = 2
	putOffsetsConcurrency     = 5
	newDataItemConcurrency    = 5
	opticalPostConcurrency    = 5
	unbundleBDIConcurrency    = 2

	// FinalizeUploadConcurrency is exported because cmd/upload registers
	// the finalize-upload consumer itself: its handler calls
	// ingest.Pipeline.RunFinalize, and ingest already imports this
	// package (for the queue name constants), so wiring the consumer
	// here would be an import cycle.
	FinalizeUploadConcurrency = 3
	cleanupFSConcurrency      = 1

	verifyBundleCron = "@every 30s"
	cleanupFSCron     = "@every 1h"

	verifyBundleScheduleID = "verify-bundle-schedule"
	cleanupFSScheduleID    = "cleanup-fs-schedule"
)

// defaultBackoff matches the 5s, 25s, 125s retry curve from the queue's
// retry policy: a 5x multiplier per attempt, not the doubling a plain
// exponential backoff would give.
func defaultBackoff() queue.BackoffFunc {
	return queue.ExponentialBackoff(5*time.Second, 125*time.Second, 5)
}

// Workers owns every bundle-lifecycle queue consumer and the periodic
// cron registrations that drive plan-bundle, verify-bundle and
// cleanup-fs. It mirrors the shape of settlement.Worker: Start launches
// one goroutine per queue's Consume call (each of which internally fans
// out to opts.Concurrency handler goroutines), and Stop waits for every
// Consume call to return once the caller cancels the context it was
// started with.
type Workers struct {
	queue     queue.Backend
	db        *upload.DB
	backup    *backupfs.Mirror
	planner   *Planner
	preparer  *Preparer
	poster    *Poster
	seeder    *Seeder
	verifier  *Verifier
	offsets   *OffsetWriter
	unbundler *Unbundler

	wg sync.WaitGroup
}

// NewWorkers wires every bundle-lifecycle stage except finalize-upload
// against the durable queue backend. finalize-upload is registered by
// the caller instead (see FinalizeUploadConcurrency's doc comment).
func NewWorkers(backend queue.Backend, db *upload.DB, backup *backupfs.Mirror, planner *Planner, preparer *Preparer, poster *Poster, seeder *Seeder, verifier *Verifier, offsets *OffsetWriter, unbundler *Unbundler) *Workers {
	return &Workers{
		queue:     backend,
		db:        db,
		backup:    backup,
		planner:   planner,
		preparer:  preparer,
		poster:    poster,
		seeder:    seeder,
		verifier:  verifier,
		offsets:   offsets,
		unbundler: unbundler,
	}
}

// Start registers the plan-bundle/verify-bundle/cleanup-fs repeating
// cron jobs and launches one goroutine per queue consumer. It returns
// once every Repeatable registration has succeeded; the consumers
// themselves keep running in the background until ctx is cancelled.
func (w *Workers) Start(ctx context.Context) error {
	if err := w.planner.ScheduleRepeating(ctx); err != nil {
		return fmt.Errorf("bundler: schedule plan-bundle: %w", err)
	}
	if err := w.queue.Repeatable(ctx, verifyBundleCron, verifyBundleScheduleID, nil); err != nil {
		return fmt.Errorf("bundler: schedule verify-bundle: %w", err)
	}
	if err := w.queue.Repeatable(ctx, cleanupFSCron, cleanupFSScheduleID, nil); err != nil {
		return fmt.Errorf("bundler: schedule cleanup-fs: %w", err)
	}

	w.consume(ctx, QueuePlanBundle, planBundleConcurrency, w.handlePlanBundle)
	w.consume(ctx, QueuePrepareBundle, prepareBundleConcurrency, w.handlePrepareBundle)
	w.consume(ctx, QueuePostBundle, postBundleConcurrency, w.handlePostBundle)
	w.consume(ctx, QueueSeedBundle, seedBundleConcurrency, w.handleSeedBundle)
	w.consume(ctx, QueueVerifyBundle, verifyBundleConcurrency, w.handleVerifyBundle)
	w.consume(ctx, QueuePutOffsets, putOffsetsConcurrency, w.handlePutOffsets)
	w.consume(ctx, QueueNewDataItem, newDataItemConcurrency, w.handleNewDataItem)
	w.consume(ctx, QueueOpticalPost, opticalPostConcurrency, w.handleOpticalPost)
	w.consume(ctx, QueueUnbundleBDI, unbundleBDIConcurrency, w.handleUnbundleBDI)
	w.consume(ctx, QueueCleanupFS, cleanupFSConcurrency, w.handleCleanupFS)

	return nil
}

// Stop waits for every queue consumer goroutine started by Start to
// return. The caller must have already cancelled the context Start was
// given; Consume itself is what reacts to cancellation.
func (w *Workers) Stop() {
	w.wg.Wait()
}

func (w *Workers) consume(ctx context.Context, queueName string, concurrency int, handler queue.Handler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		opts := queue.Options{Concurrency: concurrency, Retries: 3, Backoff: defaultBackoff()}
		if err := w.queue.Consume(ctx, queueName, handler, opts); err != nil && ctx.Err() == nil {
			slog.Error("bundler: queue consumer exited", "queue", queueName, "error", err)
		}
	}()
}

func (w *Workers) handlePlanBundle(ctx context.Context, _ *queue.Job) error {
	return w.planner.Run(ctx)
}

func (w *Workers) handlePrepareBundle(ctx context.Context, job *queue.Job) error {
	planID := string(job.Payload)
	prepared, err := w.preparer.Run(ctx, planID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(postBundleJob{PlanID: planID, Prepared: *prepared})
	if err != nil {
		return fmt.Errorf("bundler: marshal post-bundle job: %w", err)
	}
	return w.queue.Enqueue(ctx, QueuePostBundle, payload)
}

// postBundleJob is the wire payload prepare-bundle hands post-bundle:
// the small prepared-bundle summary, since the assembled payload itself
// stays in object storage under bundlePayloadKey(PlanID).
type postBundleJob struct {
	PlanID   string
	Prepared PreparedBundle
}

func (w *Workers) handlePostBundle(ctx context.Context, job *queue.Job) error {
	var body postBundleJob
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return fmt.Errorf("bundler: decode post-bundle job: %w", err)
	}
	if err := w.poster.Run(ctx, body.PlanID, body.Prepared); err != nil {
		return err
	}

	bundle, err := w.db.GetBundleByPlanID(ctx, body.PlanID)
	if err != nil {
		return fmt.Errorf("bundler: post-bundle: fetch new bundle: %w", err)
	}
	return w.queue.Enqueue(ctx, QueueSeedBundle, []byte(bundle.BundleID))
}

func (w *Workers) handleSeedBundle(ctx context.Context, job *queue.Job) error {
	bundleID := string(job.Payload)
	if err := w.seeder.Run(ctx, bundleID); err != nil {
		return err
	}

	bundle, err := w.db.GetBundle(ctx, bundleID)
	if err != nil {
		return fmt.Errorf("bundler: seed-bundle: fetch bundle: %w", err)
	}

	payload, err := json.Marshal(putOffsetsJob{BundleID: bundleID, PlanID: bundle.PlanID})
	if err != nil {
		return fmt.Errorf("bundler: marshal put-offsets job: %w", err)
	}
	return w.queue.Enqueue(ctx, QueuePutOffsets, payload)
}

// putOffsetsJob is the wire payload seed-bundle hands put-offsets.
type putOffsetsJob struct {
	BundleID string
	PlanID   string
}

func (w *Workers) handlePutOffsets(ctx context.Context, job *queue.Job) error {
	var body putOffsetsJob
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return fmt.Errorf("bundler: decode put-offsets job: %w", err)
	}

	bdiIDs, err := w.offsets.WriteForBundle(ctx, body.BundleID, body.PlanID)
	if err != nil {
		return err
	}
	for _, dataItemID := range bdiIDs {
		if err := w.queue.Enqueue(ctx, QueueUnbundleBDI, []byte(dataItemID)); err != nil {
			return fmt.Errorf("bundler: enqueue unbundle-bdi for %s: %w", dataItemID, err)
		}
	}
	return nil
}

func (w *Workers) handleVerifyBundle(ctx context.Context, _ *queue.Job) error {
	return w.verifier.Run(ctx)
}

func (w *Workers) handleUnbundleBDI(ctx context.Context, job *queue.Job) error {
	return w.unbundler.Run(ctx, string(job.Payload))
}

// handleNewDataItem and handleOpticalPost acknowledge their jobs with a
// log line. Both queues exist to notify a downstream indexer/analytics
// consumer; no such system is modeled in this deployment (the same
// treat-external-services-as-an-interface stance the blockchain gateway
// client takes), so there is nothing further to do once the row a job
// refers to is already durable — which it is, since ingest enqueues both
// only after its own insert commits.
func (w *Workers) handleNewDataItem(_ context.Context, job *queue.Job) error {
	slog.Debug("bundler: new-data-item acknowledged", "data_item_id", string(job.Payload))
	return nil
}

func (w *Workers) handleOpticalPost(_ context.Context, job *queue.Job) error {
	slog.Debug("bundler: optical-post acknowledged", "data_item_id", string(job.Payload))
	return nil
}

// handleCleanupFS purges the backup filesystem mirror's local copies of
// data items that have both aged past retention and reached their
// terminal permanent state; an item that is merely old but still
// in-flight is left alone so a retry never loses its only fallback copy.
func (w *Workers) handleCleanupFS(ctx context.Context, _ *queue.Job) error {
	stale, err := w.backup.ListStale()
	if err != nil {
		return fmt.Errorf("bundler: cleanup-fs: list stale: %w", err)
	}

	for _, dataItemID := range stale {
		status, err := w.db.GetDataItemStatus(ctx, dataItemID)
		if err != nil {
			if errors.Is(err, upload.ErrDataItemNotFound) {
				continue
			}
			slog.Error("bundler: cleanup-fs: status lookup failed", "data_item_id", dataItemID, "error", err)
			continue
		}
		if status.Stage != upload.StagePermanent {
			continue
		}
		if err := w.backup.Remove(dataItemID); err != nil {
			slog.Error("bundler: cleanup-fs: remove failed", "data_item_id", dataItemID, "error", err)
		}
	}
	return nil
}
