package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/objectstore"
)

// bundlePayloadKey is the object-store key prepare-bundle writes and
// post-bundle later reads, keyed by plan id so a re-run is a plain
// overwrite rather than a new object (spec's "idempotent: a re-run with
// same planId overwrites the same object").
func bundlePayloadKey(planID string) string {
	return fmt.Sprintf("bundle-payload/%s", planID)
}

// bundleManifestKey is where prepare-bundle records each item's place
// in the assembled payload, so put-offsets can derive offsets without
// re-parsing the whole bundle.
func bundleManifestKey(planID string) string {
	return fmt.Sprintf("bundle-manifest/%s", planID)
}

// manifestEntry is one data item's record in a bundle manifest.
type manifestEntry struct {
	ID                 string
	Size               int64
	PayloadStart       int64 // offset within the item's own envelope, not the bundle
	PayloadContentType string
	IsBDI              bool // carries the Bundle-Format tag; put-offsets routes these to unbundle-bdi
}

// Preparer runs the prepare-bundle stage: for a plan, it streams every
// planned data item's envelope out of object storage, assembles the
// bundle-of-items wrapper ahead of the concatenated payloads, and writes
// the result back to object storage under the plan's key.
type Preparer struct {
	db    *upload.DB
	store objectstore.Store
}

// NewPreparer builds a Preparer.
func NewPreparer(db *upload.DB, store objectstore.Store) *Preparer {
	return &Preparer{db: db, store: store}
}

// PreparedBundle is the outcome of a successful prepare-bundle pass.
type PreparedBundle struct {
	PayloadByteCount int64
	HeaderByteCount  int64
}

// Run assembles planID's bundle payload and writes it to object
// storage. It does not transition the plan's status, and neither does
// the prepare-bundle queue handler: the plan stays "open" until
// post-bundle marks it posted or failed.
func (p *Preparer) Run(ctx context.Context, planID string) (*PreparedBundle, error) {
	plan, err := p.db.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("bundler: prepare: %w", err)
	}

	entries := make([]ans104.BundleEntry, 0, len(plan.DataItemIDs))
	itemPayloads := make([][]byte, 0, len(plan.DataItemIDs))
	manifest := make([]manifestEntry, 0, len(plan.DataItemIDs))
	var payloadByteCount int64

	for _, dataItemID := range plan.DataItemIDs {
		envelope, _, err := p.store.GetObject(ctx, dataItemObjectKey(dataItemID))
		if err != nil {
			return nil, fmt.Errorf("bundler: prepare: fetch data item %s: %w", dataItemID, err)
		}
		raw, err := io.ReadAll(envelope)
		envelope.Close()
		if err != nil {
			return nil, fmt.Errorf("bundler: prepare: read data item %s: %w", dataItemID, err)
		}

		itemHeader, err := ans104.DecodeHeader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("bundler: prepare: decode data item %s: %w", dataItemID, err)
		}

		entries = append(entries, ans104.BundleEntry{ID: dataItemID, Size: int64(len(raw))})
		itemPayloads = append(itemPayloads, raw)
		manifest = append(manifest, manifestEntry{
			ID:                 dataItemID,
			Size:               int64(len(raw)),
			PayloadStart:       itemHeader.PayloadStart,
			PayloadContentType: contentTypeTag(itemHeader.Tags),
			IsBDI:              hasBundleFormatTag(itemHeader.Tags),
		})
		payloadByteCount += int64(len(raw))
	}

	header, err := ans104.EncodeBundleHeader(entries)
	if err != nil {
		return nil, fmt.Errorf("bundler: prepare: encode bundle header: %w", err)
	}

	var bundle bytes.Buffer
	bundle.Grow(len(header) + int(payloadByteCount))
	bundle.Write(header)
	for _, raw := range itemPayloads {
		bundle.Write(raw)
	}

	if err := p.store.PutObject(ctx, bundlePayloadKey(planID), bytes.NewReader(bundle.Bytes()), int64(bundle.Len()), nil); err != nil {
		return nil, fmt.Errorf("bundler: prepare: write bundle payload: %w", err)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("bundler: prepare: encode manifest: %w", err)
	}
	if err := p.store.PutObject(ctx, bundleManifestKey(planID), bytes.NewReader(manifestJSON), int64(len(manifestJSON)), nil); err != nil {
		return nil, fmt.Errorf("bundler: prepare: write manifest: %w", err)
	}

	return &PreparedBundle{
		PayloadByteCount: payloadByteCount,
		HeaderByteCount:  int64(len(header)),
	}, nil
}

// dataItemObjectKey is where the ingest pipeline wrote the raw ANS-104
// envelope for a given data item id (testable property 5: a successful
// POST /v1/tx response implies a 200 HEAD on this exact key).
func dataItemObjectKey(dataItemID string) string {
	return fmt.Sprintf("raw-data-item/%s", dataItemID)
}
