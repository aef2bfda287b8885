package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/permaweb/bundler-gateway/internal/winston"
)

// ErrDataItemNotFound is returned when a data item id has no row in any of
// the four lifecycle tables it could currently live in.
var ErrDataItemNotFound = errors.New("upload: data item not found")

// DataItemStage is which of the four lifecycle tables a data item currently
// occupies (spec §4.1's new -> planned -> permanent / failed state machine,
// collapsed here to the "planned" stage — "prepared"/"posted"/"seeded"/
// "verified" track at the bundle level in the bundles table, not per item).
type DataItemStage string

const (
	StageNew       DataItemStage = "new"
	StagePlanned   DataItemStage = "planned"
	StagePermanent DataItemStage = "permanent"
	StageFailed    DataItemStage = "failed"
)

// NewDataItem is a just-ingested data item awaiting bundling.
type NewDataItem struct {
	DataItemID          string
	OwnerPublicAddress  string
	ByteCount           int64
	AssessedWinstonPrice winston.Amount
	PayloadDataStart    int64
	PayloadContentType  string
	UploadedDate        time.Time
	DeadlineHeight      int64
	FailedBundles       []string
	PremiumFeatureType  *string
	Signature           []byte
}

// InsertNewDataItem records a freshly-verified data item, the terminal step
// of the upload-acceptance flow in spec §4.1.
func (db *DB) InsertNewDataItem(ctx context.Context, item NewDataItem) error {
	err := db.Exec(ctx, `
		INSERT INTO new_data_items
			(data_item_id, owner_public_address, byte_count, assessed_winston_price,
			 payload_data_start, payload_content_type, deadline_height, premium_feature_type, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.DataItemID, item.OwnerPublicAddress, item.ByteCount, item.AssessedWinstonPrice.BigInt().String(),
		item.PayloadDataStart, item.PayloadContentType, item.DeadlineHeight, item.PremiumFeatureType, item.Signature)
	if err != nil {
		return fmt.Errorf("upload: insert new data item: %w", err)
	}
	return nil
}

// GetNewDataItem fetches a row from new_data_items.
func (db *DB) GetNewDataItem(ctx context.Context, dataItemID string) (*NewDataItem, error) {
	row := db.QueryRow(ctx, `
		SELECT data_item_id, owner_public_address, byte_count, assessed_winston_price,
		       payload_data_start, payload_content_type, uploaded_date, deadline_height,
		       failed_bundles, premium_feature_type, signature
		FROM new_data_items WHERE data_item_id = $1`, dataItemID)
	item := &NewDataItem{}
	err := row.Scan(&item.DataItemID, &item.OwnerPublicAddress, &item.ByteCount, &item.AssessedWinstonPrice,
		&item.PayloadDataStart, &item.PayloadContentType, &item.UploadedDate, &item.DeadlineHeight,
		&item.FailedBundles, &item.PremiumFeatureType, &item.Signature)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDataItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListUnplannedDataItems returns new data items ready to be assigned to a
// bundle plan, oldest first, capped at limit — the planner's work queue
// (spec §4.1 / §6 bundle-planning step).
func (db *DB) ListUnplannedDataItems(ctx context.Context, limit int) ([]NewDataItem, error) {
	rows, err := db.Query(ctx, `
		SELECT data_item_id, owner_public_address, byte_count, assessed_winston_price,
		       payload_data_start, payload_content_type, uploaded_date, deadline_height,
		       failed_bundles, premium_feature_type, signature
		FROM new_data_items ORDER BY uploaded_date ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("upload: list unplanned data items: %w", err)
	}
	defer rows.Close()

	var items []NewDataItem
	for rows.Next() {
		var item NewDataItem
		if err := rows.Scan(&item.DataItemID, &item.OwnerPublicAddress, &item.ByteCount, &item.AssessedWinstonPrice,
			&item.PayloadDataStart, &item.PayloadContentType, &item.UploadedDate, &item.DeadlineHeight,
			&item.FailedBundles, &item.PremiumFeatureType, &item.Signature); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MoveToPlanned moves a batch of data items from new_data_items into
// planned_data_items under a single plan id, deleting them from new in the
// same transaction so a crash mid-move can never duplicate or drop an item.
func (db *DB) MoveToPlanned(ctx context.Context, planID string, dataItemIDs []string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("upload: begin move-to-planned tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO planned_data_items
			(data_item_id, plan_id, owner_public_address, byte_count, assessed_winston_price,
			 payload_data_start, payload_content_type, uploaded_date, deadline_height,
			 failed_bundles, premium_feature_type, signature)
		SELECT data_item_id, $1, owner_public_address, byte_count, assessed_winston_price,
		       payload_data_start, payload_content_type, uploaded_date, deadline_height,
		       failed_bundles, premium_feature_type, signature
		FROM new_data_items WHERE data_item_id = ANY($2)`, planID, dataItemIDs); err != nil {
		return fmt.Errorf("upload: insert planned data items: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM new_data_items WHERE data_item_id = ANY($1)`, dataItemIDs); err != nil {
		return fmt.Errorf("upload: delete moved new data items: %w", err)
	}

	return tx.Commit(ctx)
}

// MoveToPermanent records a bundle's confirmation on-chain, moving every
// data item it carries from planned_data_items into permanent_data_items
// (spec §4.1's terminal "permanent" state, reached once the seeding gateway
// reports the bundle's block height).
func (db *DB) MoveToPermanent(ctx context.Context, bundleID string, blockHeight int64, dataItemIDs []string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("upload: begin move-to-permanent tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO permanent_data_items
			(data_item_id, bundle_id, owner_public_address, byte_count, assessed_winston_price,
			 payload_data_start, payload_content_type, uploaded_date, block_height)
		SELECT data_item_id, $1, owner_public_address, byte_count, assessed_winston_price,
		       payload_data_start, payload_content_type, uploaded_date, $2
		FROM planned_data_items WHERE data_item_id = ANY($3)`, bundleID, blockHeight, dataItemIDs); err != nil {
		return fmt.Errorf("upload: insert permanent data items: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM planned_data_items WHERE data_item_id = ANY($1)`, dataItemIDs); err != nil {
		return fmt.Errorf("upload: delete moved planned data items: %w", err)
	}

	return tx.Commit(ctx)
}

// RequeuePlannedDataItem moves one data item out of a dropped plan's
// planned_data_items row back into new_data_items so the next
// plan-bundle pass reconsiders it, appending bundleID to its
// failed_bundles history and resetting its place in the uploadedDate
// queue. Returns the updated failed_bundles count so the caller can
// compare it against RetryLimitForFailedItems before calling this
// again on a future drop.
func (db *DB) RequeuePlannedDataItem(ctx context.Context, dataItemID, bundleID string) (int, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("upload: begin requeue tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var failedBundles []string
	row := tx.QueryRow(ctx, `SELECT failed_bundles FROM planned_data_items WHERE data_item_id = $1`, dataItemID)
	if err := row.Scan(&failedBundles); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrDataItemNotFound
		}
		return 0, fmt.Errorf("upload: read planned data item: %w", err)
	}
	failedBundles = append(failedBundles, bundleID)

	if _, err := tx.Exec(ctx, `
		INSERT INTO new_data_items
			(data_item_id, owner_public_address, byte_count, assessed_winston_price,
			 payload_data_start, payload_content_type, uploaded_date, deadline_height,
			 failed_bundles, premium_feature_type, signature)
		SELECT data_item_id, owner_public_address, byte_count, assessed_winston_price,
		       payload_data_start, payload_content_type, NOW(), deadline_height,
		       $2, premium_feature_type, signature
		FROM planned_data_items WHERE data_item_id = $1`, dataItemID, failedBundles); err != nil {
		return 0, fmt.Errorf("upload: reinsert requeued data item: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM planned_data_items WHERE data_item_id = $1`, dataItemID); err != nil {
		return 0, fmt.Errorf("upload: delete requeued planned data item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(failedBundles), nil
}

// DataItemStatus is the result of GetDataItemStatus: which lifecycle stage
// a data item currently occupies, plus the bundle/block identifying its
// on-chain seeding once it reaches the permanent stage.
type DataItemStatus struct {
	Stage       DataItemStage
	BundleID    *string
	BlockHeight *int64
	FailReason  *string
}

// GetDataItemStatus reports which of the four lifecycle tables a data item
// currently occupies, the lookup behind GET /tx/<id>/status (spec §6). It
// checks permanent, planned, failed and then new, returning the first hit,
// since a data item exists in exactly one at a time.
func (db *DB) GetDataItemStatus(ctx context.Context, dataItemID string) (*DataItemStatus, error) {
	var bundleID *string
	var blockHeight *int64
	row := db.QueryRow(ctx, `SELECT bundle_id, block_height FROM permanent_data_items WHERE data_item_id = $1`, dataItemID)
	if err := row.Scan(&bundleID, &blockHeight); err == nil {
		return &DataItemStatus{Stage: StagePermanent, BundleID: bundleID, BlockHeight: blockHeight}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("upload: check permanent data items: %w", err)
	}

	var planID string
	row = db.QueryRow(ctx, `SELECT plan_id FROM planned_data_items WHERE data_item_id = $1`, dataItemID)
	if err := row.Scan(&planID); err == nil {
		return &DataItemStatus{Stage: StagePlanned, BundleID: &planID}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("upload: check planned data items: %w", err)
	}

	var reason *string
	row = db.QueryRow(ctx, `SELECT failed_reason FROM failed_data_items WHERE data_item_id = $1`, dataItemID)
	if err := row.Scan(&reason); err == nil {
		return &DataItemStatus{Stage: StageFailed, FailReason: reason}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("upload: check failed data items: %w", err)
	}

	row = db.QueryRow(ctx, `SELECT 1 FROM new_data_items WHERE data_item_id = $1`, dataItemID)
	var ignore int
	if err := row.Scan(&ignore); err == nil {
		return &DataItemStatus{Stage: StageNew}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("upload: check new data items: %w", err)
	}

	return nil, ErrDataItemNotFound
}

// MoveToFailed records a terminal failure for a data item, appending
// reason and preserving its failed_bundles history for diagnostics.
func (db *DB) MoveToFailed(ctx context.Context, dataItemID, reason string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("upload: begin move-to-failed tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO failed_data_items
			(data_item_id, owner_public_address, byte_count, assessed_winston_price, failed_bundles, failed_reason)
		SELECT data_item_id, owner_public_address, byte_count, assessed_winston_price, failed_bundles, $2
		FROM planned_data_items WHERE data_item_id = $1
		ON CONFLICT (data_item_id) DO NOTHING`, dataItemID, reason)
	if err != nil {
		return fmt.Errorf("upload: insert failed data item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Not in planned_data_items; may be failing straight out of new_data_items.
		if _, err := tx.Exec(ctx, `
			INSERT INTO failed_data_items
				(data_item_id, owner_public_address, byte_count, assessed_winston_price, failed_bundles, failed_reason)
			SELECT data_item_id, owner_public_address, byte_count, assessed_winston_price, failed_bundles, $2
			FROM new_data_items WHERE data_item_id = $1
			ON CONFLICT (data_item_id) DO NOTHING`, dataItemID, reason); err != nil {
			return fmt.Errorf("upload: insert failed data item from new: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM new_data_items WHERE data_item_id = $1`, dataItemID); err != nil {
			return fmt.Errorf("upload: delete failed new data item: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx, `DELETE FROM planned_data_items WHERE data_item_id = $1`, dataItemID); err != nil {
			return fmt.Errorf("upload: delete failed planned data item: %w", err)
		}
	}

	return tx.Commit(ctx)
}
