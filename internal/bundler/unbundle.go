package bundler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/objectstore"
	"github.com/permaweb/bundler-gateway/internal/queue"
)

// bdiOffsetTTL bounds how long a nested (bundle-data-item) child's
// offset lives before eviction, since unlike a root bundle's offsets a
// BDI's children are a convenience index rather than the authoritative
// record (spec's "a TTL" on unbundle-bdi's emitted offsets).
const bdiOffsetTTL = 30 * 24 * time.Hour

// bundleFormatTagValue identifies a data item whose payload is itself an
// ANS-104 bundle (a "bundled data item", BDI), by the same Bundle-Format
// tag post-bundle attaches to the top-level transaction.
const bundleFormatTagValue = "binary"

// Unbundler runs the unbundle-bdi stage: it detects bundles nested
// inside a data item's payload and indexes their children.
type Unbundler struct {
	db    *upload.DB
	store objectstore.Store
	queue queue.Backend
}

// NewUnbundler builds an Unbundler.
func NewUnbundler(db *upload.DB, store objectstore.Store, backend queue.Backend) *Unbundler {
	return &Unbundler{db: db, store: store, queue: backend}
}

// Run inspects dataItemID's stored payload; if it carries the
// Bundle-Format tag, every data item nested inside is indexed with a
// DataItemOffset whose ParentDataItemID points back at dataItemID, and
// enqueued for optical-post.
func (u *Unbundler) Run(ctx context.Context, dataItemID string) error {
	offset, err := u.db.GetOffset(ctx, dataItemID)
	if err != nil {
		return fmt.Errorf("bundler: unbundle: %w", err)
	}

	body, _, err := u.store.GetObject(ctx, dataItemObjectKey(dataItemID))
	if err != nil {
		return fmt.Errorf("bundler: unbundle: fetch data item: %w", err)
	}
	defer body.Close()

	header, rest, err := ans104.DecodeHeaderStream(body)
	if err != nil {
		return fmt.Errorf("bundler: unbundle: decode envelope header: %w", err)
	}
	if !hasBundleFormatTag(header.Tags) {
		return nil // not a bundled data item; nothing to unbundle
	}

	payload, err := io.ReadAll(rest)
	if err != nil {
		return fmt.Errorf("bundler: unbundle: read payload: %w", err)
	}
	payloadReader := bytes.NewReader(payload)

	entries, err := ans104.DecodeBundleHeader(payloadReader)
	if err != nil {
		return fmt.Errorf("bundler: unbundle: decode nested bundle header: %w", err)
	}

	rootBundleID := offset.RootBundleID
	parentPayloadOffset := ans104.BundleHeaderSize(len(entries))
	expiresAt := time.Now().Add(bdiOffsetTTL)

	var childOffsets []upload.DataItemOffset
	for _, entry := range entries {
		childHeaderBytes := payload[parentPayloadOffset : parentPayloadOffset+entry.Size]
		childHeader, err := ans104.DecodeHeader(bytes.NewReader(childHeaderBytes))
		if err != nil {
			return fmt.Errorf("bundler: unbundle: decode child %s: %w", entry.ID, err)
		}

		startInParent := parentPayloadOffset
		childStart := offset.PayloadDataStart + startInParent
		childOffsets = append(childOffsets, upload.DataItemOffset{
			DataItemID:                 entry.ID,
			RootBundleID:               rootBundleID,
			StartOffsetInRootBundle:    childStart,
			RawContentLength:           entry.Size,
			PayloadDataStart:           childStart + childHeader.PayloadStart,
			PayloadContentType:         contentTypeTag(childHeader.Tags),
			ParentDataItemID:           &dataItemID,
			StartOffsetInParentPayload: &startInParent,
			ExpiresAt:                  &expiresAt,
		})
		parentPayloadOffset += entry.Size

		if err := u.queue.Enqueue(ctx, QueueOpticalPost, []byte(entry.ID)); err != nil {
			return fmt.Errorf("bundler: unbundle: enqueue optical-post for %s: %w", entry.ID, err)
		}
	}

	if err := u.db.PutOffsets(ctx, childOffsets); err != nil {
		return fmt.Errorf("bundler: unbundle: put child offsets: %w", err)
	}
	return nil
}

func hasBundleFormatTag(tags []ans104.Tag) bool {
	for _, t := range tags {
		if t.Name == "Bundle-Format" && t.Value == bundleFormatTagValue {
			return true
		}
	}
	return false
}
