package bundler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/gateway"
)

// Verifier runs the verify-bundle stage: it polls the gateway for each
// outstanding bundle's confirmation depth and advances or drops it.
type Verifier struct {
	db  *upload.DB
	gw  gateway.Client
	cfg config.BundlingConfig
}

// NewVerifier builds a Verifier.
func NewVerifier(db *upload.DB, gw gateway.Client, cfg config.BundlingConfig) *Verifier {
	return &Verifier{db: db, gw: gw, cfg: cfg}
}

// Run re-checks every seeded or confirmed bundle against the gateway's
// current tip, advancing confirmed bundles to permanent once they clear
// TxPermanentThreshold and dropping bundles that never confirm within
// DropBundleTxThreshold.
func (v *Verifier) Run(ctx context.Context) error {
	currentHeight, err := v.gw.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("bundler: verify: fetch block height: %w", err)
	}

	for _, status := range []upload.BundleStatus{upload.BundleSeeded, upload.BundleConfirmed} {
		bundles, err := v.db.ListBundlesByStatus(ctx, status, 500)
		if err != nil {
			return fmt.Errorf("bundler: verify: list %s bundles: %w", status, err)
		}
		for _, bundle := range bundles {
			if err := v.checkBundle(ctx, bundle, currentHeight); err != nil {
				slog.Error("bundler: verify: check bundle failed", "bundle_id", bundle.BundleID, "error", err)
			}
		}
	}
	return nil
}

func (v *Verifier) checkBundle(ctx context.Context, bundle upload.Bundle, currentHeight int64) error {
	minedHeight, err := v.gw.TransactionBlockHeight(ctx, bundle.BundleID)
	if err != nil {
		return fmt.Errorf("fetch mined height: %w", err)
	}

	if minedHeight < 0 {
		if currentHeight-bundle.PostedBlockHeight > v.cfg.DropBundleTxThreshold {
			return v.dropBundle(ctx, bundle)
		}
		return nil
	}

	if bundle.Status == upload.BundleSeeded && currentHeight-minedHeight >= v.cfg.TxConfirmationThreshold {
		if err := v.db.MarkConfirmed(ctx, bundle.BundleID, minedHeight); err != nil {
			return fmt.Errorf("mark confirmed: %w", err)
		}
		slog.Info("bundler: bundle confirmed", "bundle_id", bundle.BundleID, "mined_height", minedHeight)
	}

	if currentHeight-minedHeight >= v.cfg.TxPermanentThreshold {
		return v.finalizeBundle(ctx, bundle, minedHeight)
	}
	return nil
}

// finalizeBundle transitions a bundle and every data item it carries to
// their terminal permanent state in one database transaction.
func (v *Verifier) finalizeBundle(ctx context.Context, bundle upload.Bundle, minedHeight int64) error {
	plan, err := v.db.GetPlan(ctx, bundle.PlanID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	if err := v.db.MoveToPermanent(ctx, bundle.BundleID, minedHeight, plan.DataItemIDs); err != nil {
		return fmt.Errorf("move data items to permanent: %w", err)
	}
	if err := v.db.MarkPermanent(ctx, bundle.BundleID); err != nil {
		return fmt.Errorf("mark bundle permanent: %w", err)
	}
	slog.Info("bundler: bundle permanent", "bundle_id", bundle.BundleID, "items", len(plan.DataItemIDs))
	return nil
}

// dropBundle marks a never-confirmed bundle dropped and re-plans its data
// items for another packing pass, unless an item has already exhausted
// RetryLimitForFailedItems re-posts, in which case it fails terminally.
func (v *Verifier) dropBundle(ctx context.Context, bundle upload.Bundle) error {
	if err := v.db.MarkDropped(ctx, bundle.BundleID); err != nil {
		return fmt.Errorf("mark dropped: %w", err)
	}

	plan, err := v.db.GetPlan(ctx, bundle.PlanID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	for _, dataItemID := range plan.DataItemIDs {
		attempts, err := v.db.RequeuePlannedDataItem(ctx, dataItemID, bundle.BundleID)
		if err != nil {
			slog.Error("bundler: verify: requeue dropped item", "data_item_id", dataItemID, "error", err)
			continue
		}
		if attempts > v.cfg.RetryLimitForFailedItems {
			if err := v.db.MoveToFailed(ctx, dataItemID, "exceeded retry limit across dropped bundles"); err != nil {
				slog.Error("bundler: verify: move exhausted item to failed", "data_item_id", dataItemID, "error", err)
			}
		}
	}
	slog.Warn("bundler: bundle dropped", "bundle_id", bundle.BundleID, "items", len(plan.DataItemIDs))
	return nil
}
