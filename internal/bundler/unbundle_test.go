package bundler

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
)

func TestUnbundler_Run_IndexesNestedChildren(t *testing.T) {
	db := newTestUploadDB(t)
	ctx := context.Background()
	store := newFakeStore()
	q := newFakeQueue()

	childAEnvelope, childAID := buildEnvelope([]byte("child A payload"), []ans104.Tag{{Name: "Content-Type", Value: "text/plain"}})
	childBEnvelope, childBID := buildEnvelope([]byte("child B payload"), nil)

	nestedEntries := []ans104.BundleEntry{
		{ID: childAID, Size: int64(len(childAEnvelope))},
		{ID: childBID, Size: int64(len(childBEnvelope))},
	}
	nestedHeader, err := ans104.EncodeBundleHeader(nestedEntries)
	require.NoError(t, err)

	var nestedPayload bytes.Buffer
	nestedPayload.Write(nestedHeader)
	nestedPayload.Write(childAEnvelope)
	nestedPayload.Write(childBEnvelope)

	parentEnvelope, parentID := buildEnvelope(nestedPayload.Bytes(), []ans104.Tag{
		{Name: "Bundle-Format", Value: "binary"},
		{Name: "Bundle-Version", Value: "2.0.0"},
	})

	require.NoError(t, store.PutObject(ctx, dataItemObjectKey(parentID), bytes.NewReader(parentEnvelope), int64(len(parentEnvelope)), nil))
	require.NoError(t, db.PutOffsets(ctx, []upload.DataItemOffset{
		{
			DataItemID:              parentID,
			RootBundleID:            "root-bundle-1",
			StartOffsetInRootBundle: 1000,
			RawContentLength:        int64(len(parentEnvelope)),
			PayloadDataStart:        1000 + 200, // arbitrary absolute offset within the root bundle
			PayloadContentType:      "application/octet-stream",
		},
	}))

	unbundler := NewUnbundler(db, store, q)
	require.NoError(t, unbundler.Run(ctx, parentID))

	offA, err := db.GetOffset(ctx, childAID)
	require.NoError(t, err)
	require.Equal(t, "root-bundle-1", offA.RootBundleID)
	require.Equal(t, parentID, *offA.ParentDataItemID)
	require.Equal(t, "text/plain", offA.PayloadContentType)
	require.NotNil(t, offA.ExpiresAt)

	wantChildAStart := int64(1200) + ans104.BundleHeaderSize(len(nestedEntries))
	require.Equal(t, wantChildAStart, offA.StartOffsetInRootBundle)

	offB, err := db.GetOffset(ctx, childBID)
	require.NoError(t, err)
	require.Equal(t, parentID, *offB.ParentDataItemID)

	require.Len(t, q.enqueued[QueueOpticalPost], 2)
}

func TestUnbundler_Run_SkipsNonBundleDataItem(t *testing.T) {
	db := newTestUploadDB(t)
	ctx := context.Background()
	store := newFakeStore()
	q := newFakeQueue()

	plainEnvelope, plainID := buildEnvelope([]byte("just a regular item"), []ans104.Tag{{Name: "Content-Type", Value: "text/plain"}})
	require.NoError(t, store.PutObject(ctx, dataItemObjectKey(plainID), bytes.NewReader(plainEnvelope), int64(len(plainEnvelope)), nil))
	require.NoError(t, db.PutOffsets(ctx, []upload.DataItemOffset{
		{
			DataItemID:              plainID,
			RootBundleID:            "root-bundle-2",
			StartOffsetInRootBundle: 0,
			RawContentLength:        int64(len(plainEnvelope)),
			PayloadDataStart:        int64(len(plainEnvelope)) - 20,
			PayloadContentType:      "text/plain",
		},
	}))

	unbundler := NewUnbundler(db, store, q)
	require.NoError(t, unbundler.Run(ctx, plainID))

	require.Empty(t, q.enqueued[QueueOpticalPost])
	_, err := db.GetOffset(ctx, "some-nonexistent-child")
	require.ErrorIs(t, err, upload.ErrOffsetNotFound)
}
