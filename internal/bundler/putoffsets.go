package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/objectstore"
)

// maxOffsetBatchSize is the largest number of offset rows put-offsets
// will upsert in a single batch (spec's "up to 500 offset rows per batch").
const maxOffsetBatchSize = 500

// OffsetWriter runs the put-offsets stage: it reads the manifest
// prepare-bundle recorded for a plan and persists each data item's
// location within the posted bundle for the range-read path to consume.
type OffsetWriter struct {
	db    *upload.DB
	store objectstore.Store
}

// NewOffsetWriter builds an OffsetWriter.
func NewOffsetWriter(db *upload.DB, store objectstore.Store) *OffsetWriter {
	return &OffsetWriter{db: db, store: store}
}

// WriteForBundle computes offsets for every item in bundleID's plan,
// chunking the upsert into batches of at most maxOffsetBatchSize so one
// oversized plan never blocks behind a single giant transaction. It
// returns the data item ids that carry the Bundle-Format tag, for the
// caller to route to the unbundle-bdi stage.
func (w *OffsetWriter) WriteForBundle(ctx context.Context, bundleID, planID string) ([]string, error) {
	manifestObj, _, err := w.store.GetObject(ctx, bundleManifestKey(planID))
	if err != nil {
		return nil, fmt.Errorf("bundler: put-offsets: fetch manifest: %w", err)
	}
	defer manifestObj.Close()

	raw, err := io.ReadAll(manifestObj)
	if err != nil {
		return nil, fmt.Errorf("bundler: put-offsets: read manifest: %w", err)
	}
	var manifest []manifestEntry
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("bundler: put-offsets: decode manifest: %w", err)
	}

	offset := ans104.BundleHeaderSize(len(manifest))

	var bdiIDs []string
	var batch []upload.DataItemOffset
	for _, m := range manifest {
		batch = append(batch, upload.DataItemOffset{
			DataItemID:              m.ID,
			RootBundleID:            bundleID,
			StartOffsetInRootBundle: offset,
			RawContentLength:        m.Size,
			PayloadDataStart:        offset + m.PayloadStart,
			PayloadContentType:      m.PayloadContentType,
		})
		if m.IsBDI {
			bdiIDs = append(bdiIDs, m.ID)
		}
		offset += m.Size

		if len(batch) >= maxOffsetBatchSize {
			if err := w.flush(ctx, batch); err != nil {
				return nil, err
			}
			batch = nil
		}
	}
	if err := w.flush(ctx, batch); err != nil {
		return nil, err
	}
	return bdiIDs, nil
}

func (w *OffsetWriter) flush(ctx context.Context, batch []upload.DataItemOffset) error {
	if len(batch) == 0 {
		return nil
	}
	if err := w.db.PutOffsets(ctx, batch); err != nil {
		slog.Error("bundler: put-offsets: batch upsert failed", "rows", len(batch), "error", err)
		return fmt.Errorf("bundler: put-offsets: %w", err)
	}
	return nil
}

// contentTypeTag reads the Content-Type tag off a decoded ANS-104
// header, the convention data items use to declare their payload's MIME
// type (spec §4.5's payload-content-type metadata).
func contentTypeTag(tags []ans104.Tag) string {
	for _, t := range tags {
		if t.Name == "Content-Type" {
			return t.Value
		}
	}
	return ""
}
