package bundler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/queue"
)

const (
	QueuePlanBundle     = "upload-plan-bundle"
	QueuePrepareBundle  = "upload-prepare-bundle"
	QueuePostBundle     = "upload-post-bundle"
	QueueSeedBundle     = "upload-seed-bundle"
	QueueVerifyBundle   = "upload-verify-bundle"
	QueuePutOffsets     = "upload-put-offsets"
	QueueNewDataItem    = "upload-new-data-item"
	QueueOpticalPost    = "upload-optical-post"
	QueueUnbundleBDI    = "upload-unbundle-bdi"
	QueueFinalizeUpload = "upload-finalize-upload"
	QueueCleanupFS      = "upload-cleanup-fs"

	// planBundleScheduleID keeps the repeating plan-bundle cron a
	// singleton across process restarts and multiple replicas.
	planBundleScheduleID = "plan-bundle-schedule"
	planBundleCron       = "@every 60s"
)

// Planner runs the plan-bundle stage: it greedy-packs NewDataItem rows
// into bundle plans and hands each new plan to prepare-bundle.
type Planner struct {
	db       *upload.DB
	queue    queue.Backend
	policies *PolicyTable
	cfg      config.BundlingConfig
}

// NewPlanner builds a Planner. policies may be nil, in which case every
// data item packs in the general pool.
func NewPlanner(db *upload.DB, backend queue.Backend, policies *PolicyTable, cfg config.BundlingConfig) *Planner {
	return &Planner{db: db, queue: backend, policies: policies, cfg: cfg}
}

// ScheduleRepeating registers plan-bundle as a 60-second repeating job
// (spec's "a repeating plan-bundle cron (60 s) uses a stable job id").
func (p *Planner) ScheduleRepeating(ctx context.Context) error {
	return p.queue.Repeatable(ctx, planBundleCron, planBundleScheduleID, nil)
}

// Run performs one plan-bundle pass: it lists unplanned data items,
// greedy-packs them into candidate plans, persists each plan, and
// enqueues one prepare-bundle job per new plan.
func (p *Planner) Run(ctx context.Context) error {
	const fetchLimit = 50_000 // generous upper bound on one pass's working set

	items, err := p.db.ListUnplannedDataItems(ctx, fetchLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	for _, plan := range p.packPlans(items) {
		planID := uuid.New().String()
		ids := make([]string, 0, len(plan))
		var totalBytes int64
		for _, item := range plan {
			ids = append(ids, item.DataItemID)
			totalBytes += item.ByteCount
		}

		if err := p.db.CreatePlan(ctx, planID, ids, totalBytes); err != nil {
			slog.Error("bundler: create plan failed", "plan_id", planID, "error", err)
			continue
		}
		if err := p.db.MoveToPlanned(ctx, planID, ids); err != nil {
			slog.Error("bundler: move to planned failed", "plan_id", planID, "error", err)
			continue
		}
		if err := p.queue.Enqueue(ctx, QueuePrepareBundle, []byte(planID)); err != nil {
			slog.Error("bundler: enqueue prepare-bundle failed", "plan_id", planID, "error", err)
			continue
		}
		slog.Info("bundler: plan created", "plan_id", planID, "items", len(plan), "bytes", totalBytes)
	}
	return nil
}

// packPlans greedy-packs items (already ordered oldest-first by the
// caller's query) into candidate plans respecting the byte and count
// caps and the dedicated-bundle policy's same-group constraint. A
// single item exceeding MaxSingleDataItemByteCount forms its own plan.
func (p *Planner) packPlans(items []upload.NewDataItem) [][]upload.NewDataItem {
	type bucket struct {
		group string
		items []upload.NewDataItem
		bytes int64
	}
	buckets := make(map[string]*bucket)
	var order []*bucket
	var plans [][]upload.NewDataItem

	for _, item := range items {
		featureType := ""
		if item.PremiumFeatureType != nil {
			featureType = *item.PremiumFeatureType
		} else if p.policies != nil {
			featureType = p.policies.FeatureTypeFor(item.OwnerPublicAddress)
		}

		if item.ByteCount > p.cfg.MaxSingleDataItemByteCount {
			plans = append(plans, []upload.NewDataItem{item})
			continue
		}

		b, ok := buckets[featureType]
		if !ok || b.bytes+item.ByteCount > p.cfg.MaxBundleSize || len(b.items) >= p.cfg.MaxDataItemsPerBundle {
			b = &bucket{group: featureType}
			buckets[featureType] = b
			order = append(order, b)
		}
		b.items = append(b.items, item)
		b.bytes += item.ByteCount
	}

	for _, b := range order {
		if len(b.items) > 0 {
			plans = append(plans, b.items)
		}
	}
	return plans
}
