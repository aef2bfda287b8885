package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrPlanNotFound and ErrBundleNotFound back the lookups below.
	ErrPlanNotFound   = errors.New("upload: bundle plan not found")
	ErrBundleNotFound = errors.New("upload: bundle not found")
)

// PlanStatus is bundle_plans.status (spec §6 plan lifecycle).
type PlanStatus string

const (
	PlanOpen     PlanStatus = "open"
	PlanPrepared PlanStatus = "prepared"
	PlanPosted   PlanStatus = "posted"
	PlanFailed   PlanStatus = "failed"
)

// BundleStatus is bundles.status, the posted -> seeded -> confirmed ->
// permanent state machine from spec §4.3/§6, plus the failed/dropped
// terminal branches.
type BundleStatus string

const (
	BundlePosted    BundleStatus = "posted"
	BundleSeeded    BundleStatus = "seeded"
	BundleConfirmed BundleStatus = "confirmed"
	BundlePermanent BundleStatus = "permanent"
	BundleFailed    BundleStatus = "failed"
	BundleDropped   BundleStatus = "dropped"
)

// BundlePlan groups data items selected for a single bundle assembly pass.
type BundlePlan struct {
	PlanID      string
	DataItemIDs []string
	TotalBytes  int64
	Status      PlanStatus
	CreatedAt   time.Time
}

// Bundle is one posted ANS-104 bundle transaction.
type Bundle struct {
	BundleID             string
	PlanID               string
	PayloadByteCount     int64
	HeaderByteCount      int64
	TransactionByteCount int64
	PostedBlockHeight    int64
	BlockHeight          *int64
	Reward               string
	Status               BundleStatus
	PostedAt             time.Time
	ConfirmedAt          *time.Time
	PermanentAt          *time.Time
}

// CreatePlan opens a new bundle plan in the "open" state.
func (db *DB) CreatePlan(ctx context.Context, planID string, dataItemIDs []string, totalBytes int64) error {
	err := db.Exec(ctx, `
		INSERT INTO bundle_plans (plan_id, data_item_ids, total_bytes, status)
		VALUES ($1, $2, $3, $4)`, planID, dataItemIDs, totalBytes, PlanOpen)
	if err != nil {
		return fmt.Errorf("upload: create bundle plan: %w", err)
	}
	return nil
}

// GetPlan fetches a bundle plan by id.
func (db *DB) GetPlan(ctx context.Context, planID string) (*BundlePlan, error) {
	row := db.QueryRow(ctx, `
		SELECT plan_id, data_item_ids, total_bytes, status, created_at
		FROM bundle_plans WHERE plan_id = $1`, planID)
	p := &BundlePlan{}
	err := row.Scan(&p.PlanID, &p.DataItemIDs, &p.TotalBytes, &p.Status, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	return p, err
}

// SetPlanStatus transitions a plan's status (open -> prepared -> posted,
// or -> failed on any step's error).
func (db *DB) SetPlanStatus(ctx context.Context, planID string, status PlanStatus) error {
	tag, err := db.ExecResult(ctx, `UPDATE bundle_plans SET status = $1 WHERE plan_id = $2`, status, planID)
	if err != nil {
		return fmt.Errorf("upload: set plan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlanNotFound
	}
	return nil
}

// CreateBundle records a newly posted bundle transaction (spec §4.3 post
// step). Reward is passed as a decimal string since AR network fees are
// Winston-denominated, not USDC.
func (db *DB) CreateBundle(ctx context.Context, b Bundle) error {
	err := db.Exec(ctx, `
		INSERT INTO bundles
			(bundle_id, plan_id, payload_byte_count, header_byte_count, transaction_byte_count,
			 posted_block_height, reward, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.BundleID, b.PlanID, b.PayloadByteCount, b.HeaderByteCount, b.TransactionByteCount,
		b.PostedBlockHeight, b.Reward, BundlePosted)
	if err != nil {
		return fmt.Errorf("upload: create bundle: %w", err)
	}
	return nil
}

// GetBundle fetches a bundle by id.
func (db *DB) GetBundle(ctx context.Context, bundleID string) (*Bundle, error) {
	row := db.QueryRow(ctx, `
		SELECT bundle_id, plan_id, payload_byte_count, header_byte_count, transaction_byte_count,
		       posted_block_height, block_height, reward, status, posted_at, confirmed_at, permanent_at
		FROM bundles WHERE bundle_id = $1`, bundleID)
	b := &Bundle{}
	err := row.Scan(&b.BundleID, &b.PlanID, &b.PayloadByteCount, &b.HeaderByteCount, &b.TransactionByteCount,
		&b.PostedBlockHeight, &b.BlockHeight, &b.Reward, &b.Status, &b.PostedAt, &b.ConfirmedAt, &b.PermanentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	return b, err
}

// GetBundleByPlanID fetches the bundle posted from planID, for the
// post-bundle handler to hand off to seed-bundle once Poster.Run commits
// a new row under a bundle id only it knows at call time.
func (db *DB) GetBundleByPlanID(ctx context.Context, planID string) (*Bundle, error) {
	row := db.QueryRow(ctx, `
		SELECT bundle_id, plan_id, payload_byte_count, header_byte_count, transaction_byte_count,
		       posted_block_height, block_height, reward, status, posted_at, confirmed_at, permanent_at
		FROM bundles WHERE plan_id = $1`, planID)
	b := &Bundle{}
	err := row.Scan(&b.BundleID, &b.PlanID, &b.PayloadByteCount, &b.HeaderByteCount, &b.TransactionByteCount,
		&b.PostedBlockHeight, &b.BlockHeight, &b.Reward, &b.Status, &b.PostedAt, &b.ConfirmedAt, &b.PermanentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	return b, err
}

// MarkSeeded transitions a bundle to "seeded" once every chunk has been
// confirmed uploaded to the gateway network (spec §6 seed step).
func (db *DB) MarkSeeded(ctx context.Context, bundleID string) error {
	return db.setBundleStatus(ctx, bundleID, BundleSeeded)
}

// MarkConfirmed transitions a bundle to "confirmed" with its mined block
// height, recorded once the gateway's /tx_anchor / block lookup resolves.
func (db *DB) MarkConfirmed(ctx context.Context, bundleID string, blockHeight int64) error {
	tag, err := db.ExecResult(ctx, `
		UPDATE bundles SET status = $1, block_height = $2, confirmed_at = NOW()
		WHERE bundle_id = $3`, BundleConfirmed, blockHeight, bundleID)
	if err != nil {
		return fmt.Errorf("upload: mark bundle confirmed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleNotFound
	}
	return nil
}

// MarkPermanent transitions a bundle to its terminal "permanent" state
// (spec §4.3's verify step, after the configured confirmation depth).
func (db *DB) MarkPermanent(ctx context.Context, bundleID string) error {
	tag, err := db.ExecResult(ctx, `
		UPDATE bundles SET status = $1, permanent_at = NOW() WHERE bundle_id = $2`, BundlePermanent, bundleID)
	if err != nil {
		return fmt.Errorf("upload: mark bundle permanent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleNotFound
	}
	return nil
}

// MarkFailed/MarkDropped record the two failure branches a posted bundle
// can take: failed (retryable, its data items get replanned) and dropped
// (the gateway evicted it from the mempool and it must be re-posted).
func (db *DB) MarkFailed(ctx context.Context, bundleID string) error {
	return db.setBundleStatus(ctx, bundleID, BundleFailed)
}

func (db *DB) MarkDropped(ctx context.Context, bundleID string) error {
	return db.setBundleStatus(ctx, bundleID, BundleDropped)
}

func (db *DB) setBundleStatus(ctx context.Context, bundleID string, status BundleStatus) error {
	tag, err := db.ExecResult(ctx, `UPDATE bundles SET status = $1 WHERE bundle_id = $2`, status, bundleID)
	if err != nil {
		return fmt.Errorf("upload: set bundle status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleNotFound
	}
	return nil
}

// ListBundlesByStatus supports the seeding/verification workers' polling
// loops (spec §6's per-stage queues).
func (db *DB) ListBundlesByStatus(ctx context.Context, status BundleStatus, limit int) ([]Bundle, error) {
	rows, err := db.Query(ctx, `
		SELECT bundle_id, plan_id, payload_byte_count, header_byte_count, transaction_byte_count,
		       posted_block_height, block_height, reward, status, posted_at, confirmed_at, permanent_at
		FROM bundles WHERE status = $1 ORDER BY posted_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("upload: list bundles by status: %w", err)
	}
	defer rows.Close()

	var bundles []Bundle
	for rows.Next() {
		var b Bundle
		if err := rows.Scan(&b.BundleID, &b.PlanID, &b.PayloadByteCount, &b.HeaderByteCount, &b.TransactionByteCount,
			&b.PostedBlockHeight, &b.BlockHeight, &b.Reward, &b.Status, &b.PostedAt, &b.ConfirmedAt, &b.PermanentAt); err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}
