package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrOffsetNotFound is returned when a data item has no recorded offset.
var ErrOffsetNotFound = errors.New("upload: data item offset not found")

// DataItemOffset locates a data item's payload within its root bundle (and,
// for nested bundles, within its immediate parent's payload), backing the
// range-read operation spec §3/§9 describes for serving raw data item bytes
// straight out of object storage without re-parsing the envelope.
type DataItemOffset struct {
	DataItemID                 string
	RootBundleID               string
	StartOffsetInRootBundle    int64
	RawContentLength           int64
	PayloadDataStart           int64
	PayloadContentType         string
	ParentDataItemID           *string
	StartOffsetInParentPayload *int64
	ExpiresAt                  *time.Time
}

// PutOffsets idempotently upserts a batch of offsets in one round trip, the
// putOffsets operation invoked once per posted bundle (spec §4.3's "put
// offsets" step) and again for every nested bundle unbundle.go unpacks.
func (db *DB) PutOffsets(ctx context.Context, offsets []DataItemOffset) error {
	if len(offsets) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("upload: begin put-offsets tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, o := range offsets {
		batch.Queue(`
			INSERT INTO data_item_offsets
				(data_item_id, root_bundle_id, start_offset_in_root_bundle, raw_content_length,
				 payload_data_start, payload_content_type, parent_data_item_id,
				 start_offset_in_parent_payload, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (data_item_id) DO UPDATE SET
				root_bundle_id = EXCLUDED.root_bundle_id,
				start_offset_in_root_bundle = EXCLUDED.start_offset_in_root_bundle,
				raw_content_length = EXCLUDED.raw_content_length,
				payload_data_start = EXCLUDED.payload_data_start,
				payload_content_type = EXCLUDED.payload_content_type,
				parent_data_item_id = EXCLUDED.parent_data_item_id,
				start_offset_in_parent_payload = EXCLUDED.start_offset_in_parent_payload,
				expires_at = EXCLUDED.expires_at`,
			o.DataItemID, o.RootBundleID, o.StartOffsetInRootBundle, o.RawContentLength,
			o.PayloadDataStart, o.PayloadContentType, o.ParentDataItemID,
			o.StartOffsetInParentPayload, o.ExpiresAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range offsets {
		if _, err := br.Exec(); err != nil {
			br.Close() //nolint:errcheck
			return fmt.Errorf("upload: batch upsert offsets: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("upload: close offsets batch: %w", err)
	}

	return tx.Commit(ctx)
}

// GetOffset looks up a single data item's offset, the hot path for serving
// raw bytes.
func (db *DB) GetOffset(ctx context.Context, dataItemID string) (*DataItemOffset, error) {
	row := db.QueryRow(ctx, `
		SELECT data_item_id, root_bundle_id, start_offset_in_root_bundle, raw_content_length,
		       payload_data_start, payload_content_type, parent_data_item_id,
		       start_offset_in_parent_payload, expires_at
		FROM data_item_offsets WHERE data_item_id = $1`, dataItemID)
	o := &DataItemOffset{}
	err := row.Scan(&o.DataItemID, &o.RootBundleID, &o.StartOffsetInRootBundle, &o.RawContentLength,
		&o.PayloadDataStart, &o.PayloadContentType, &o.ParentDataItemID,
		&o.StartOffsetInParentPayload, &o.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOffsetNotFound
	}
	return o, err
}

// ListOffsetsByRootBundle returns every offset rooted at a bundle, used when
// unbundling cascades into nested bundles (spec §4.6 unbundle step) and
// when a bundle is dropped and its offsets need bulk invalidation.
func (db *DB) ListOffsetsByRootBundle(ctx context.Context, rootBundleID string) ([]DataItemOffset, error) {
	rows, err := db.Query(ctx, `
		SELECT data_item_id, root_bundle_id, start_offset_in_root_bundle, raw_content_length,
		       payload_data_start, payload_content_type, parent_data_item_id,
		       start_offset_in_parent_payload, expires_at
		FROM data_item_offsets WHERE root_bundle_id = $1`, rootBundleID)
	if err != nil {
		return nil, fmt.Errorf("upload: list offsets by root bundle: %w", err)
	}
	defer rows.Close()

	var offsets []DataItemOffset
	for rows.Next() {
		var o DataItemOffset
		if err := rows.Scan(&o.DataItemID, &o.RootBundleID, &o.StartOffsetInRootBundle, &o.RawContentLength,
			&o.PayloadDataStart, &o.PayloadContentType, &o.ParentDataItemID,
			&o.StartOffsetInParentPayload, &o.ExpiresAt); err != nil {
			return nil, err
		}
		offsets = append(offsets, o)
	}
	return offsets, rows.Err()
}

// ListExpiredOffsets supports the hot-cache/backup-filesystem eviction
// sweep for offsets whose expires_at has passed (spec §9 retention policy).
func (db *DB) ListExpiredOffsets(ctx context.Context, limit int) ([]DataItemOffset, error) {
	rows, err := db.Query(ctx, `
		SELECT data_item_id, root_bundle_id, start_offset_in_root_bundle, raw_content_length,
		       payload_data_start, payload_content_type, parent_data_item_id,
		       start_offset_in_parent_payload, expires_at
		FROM data_item_offsets WHERE expires_at IS NOT NULL AND expires_at < NOW() LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("upload: list expired offsets: %w", err)
	}
	defer rows.Close()

	var offsets []DataItemOffset
	for rows.Next() {
		var o DataItemOffset
		if err := rows.Scan(&o.DataItemID, &o.RootBundleID, &o.StartOffsetInRootBundle, &o.RawContentLength,
			&o.PayloadDataStart, &o.PayloadContentType, &o.ParentDataItemID,
			&o.StartOffsetInParentPayload, &o.ExpiresAt); err != nil {
			return nil, err
		}
		offsets = append(offsets, o)
	}
	return offsets, rows.Err()
}
