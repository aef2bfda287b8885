package bundler

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/gateway"
	"github.com/permaweb/bundler-gateway/internal/objectstore"
)

// fatalChunkUploadErrors are gateway error codes that mean "this plan can
// never succeed", distinct from transient 5xx errors worth retrying.
var fatalChunkUploadErrors = map[string]struct{}{
	"invalid_json":                     {},
	"chunk_too_big":                    {},
	"data_path_too_big":                {},
	"offset_too_big":                   {},
	"data_size_too_big":                {},
	"chunk_proof_ratio_not_attractive": {},
	"invalid_proof":                    {},
}

// IsFatalChunkUploadError reports whether a gateway-reported error code
// should mark a bundle plan permanently failed rather than retried.
func IsFatalChunkUploadError(code string) bool {
	_, ok := fatalChunkUploadErrors[code]
	return ok
}

// Poster runs the post-bundle stage: it wraps a prepared bundle payload
// in a signed transaction and posts its headers to the blockchain
// gateway.
type Poster struct {
	db     *upload.DB
	store  objectstore.Store
	gw     gateway.Client
	signer *Signer
	cfg    config.BundlingConfig
}

// NewPoster builds a Poster.
func NewPoster(db *upload.DB, store objectstore.Store, gw gateway.Client, signer *Signer, cfg config.BundlingConfig) *Poster {
	return &Poster{db: db, store: store, gw: gw, signer: signer, cfg: cfg}
}

// Run posts planID's already-prepared bundle payload, recording the
// resulting bundle row on success. A fatal gateway error marks the plan
// failed and, if the per-item retry budget allows, re-plans its data
// items; any other error is returned for the queue handler's own
// exponential backoff to retry.
func (p *Poster) Run(ctx context.Context, planID string, prepared PreparedBundle) error {
	plan, err := p.db.GetPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("bundler: post: %w", err)
	}

	body, info, err := p.store.GetObject(ctx, bundlePayloadKey(planID))
	if err != nil {
		return fmt.Errorf("bundler: post: fetch bundle payload: %w", err)
	}
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("bundler: post: read bundle payload: %w", err)
	}

	signature, err := p.signer.Sign(ctx, payload)
	if err != nil {
		return fmt.Errorf("bundler: post: sign bundle: %w", err)
	}

	postedBlockHeight, err := p.gw.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("bundler: post: fetch block height: %w", err)
	}

	result, err := p.gw.PostTransactionHeaders(ctx, gateway.TxHeaders{
		Owner:     p.signer.Address(),
		Data:      payload,
		DataSize:  info.ContentLength,
		Signature: signature,
		Tags:      map[string]string{"Bundle-Format": "binary", "Bundle-Version": "2.0.0"},
	})
	if err != nil {
		if code := gatewayErrorCode(err); IsFatalChunkUploadError(code) {
			return p.failPlan(ctx, plan, fmt.Sprintf("fatal gateway error: %s", code))
		}
		return fmt.Errorf("bundler: post: submit transaction: %w", err)
	}

	bundle := upload.Bundle{
		BundleID:             result.TxID,
		PlanID:               planID,
		PayloadByteCount:     prepared.PayloadByteCount,
		HeaderByteCount:      prepared.HeaderByteCount,
		TransactionByteCount: info.ContentLength,
		PostedBlockHeight:    postedBlockHeight,
		Reward:               result.Reward,
	}
	if err := p.db.CreateBundle(ctx, bundle); err != nil {
		return fmt.Errorf("bundler: post: record bundle: %w", err)
	}
	if err := p.db.SetPlanStatus(ctx, planID, upload.PlanPosted); err != nil {
		return fmt.Errorf("bundler: post: set plan posted: %w", err)
	}

	slog.Info("bundler: bundle posted", "plan_id", planID, "bundle_id", result.TxID, "reward", result.Reward)
	return nil
}

// failPlan marks a plan permanently failed and re-plans its contained
// data items if their per-item retry budget allows, matching the drop
// path verify-bundle also takes once a bundle exceeds DropBundleTxThreshold.
func (p *Poster) failPlan(ctx context.Context, plan *upload.BundlePlan, reason string) error {
	if err := p.db.SetPlanStatus(ctx, plan.PlanID, upload.PlanFailed); err != nil {
		return fmt.Errorf("bundler: post: mark plan failed: %w", err)
	}
	for _, dataItemID := range plan.DataItemIDs {
		attempts, err := p.db.RequeuePlannedDataItem(ctx, dataItemID, plan.PlanID)
		if err != nil {
			slog.Error("bundler: post: requeue failed item", "data_item_id", dataItemID, "error", err)
			continue
		}
		if attempts > p.cfg.RetryLimitForFailedItems {
			if err := p.db.MoveToFailed(ctx, dataItemID, reason); err != nil {
				slog.Error("bundler: post: move exhausted item to failed", "data_item_id", dataItemID, "error", err)
			}
		}
	}
	slog.Warn("bundler: plan failed fatally", "plan_id", plan.PlanID, "reason", reason)
	return nil
}

// gatewayErrorCode extracts a machine-readable error code from a gateway
// error: the error's whole text, so only a gateway.Client that formats a
// fatal error as its bare code string gets it recognised. HTTPClient
// does not; its errors carry only the HTTP status, so none of them is
// treated as fatal here.
func gatewayErrorCode(err error) string {
	return err.Error()
}
