package upload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutAndGetOffset(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutOffsets(ctx, []DataItemOffset{
		{
			DataItemID:              "item-off-1",
			RootBundleID:             "bundle-root-1",
			StartOffsetInRootBundle:  4096,
			RawContentLength:         2048,
			PayloadDataStart:         4200,
			PayloadContentType:       "text/plain",
		},
	}))

	off, err := db.GetOffset(ctx, "item-off-1")
	require.NoError(t, err)
	require.Equal(t, "bundle-root-1", off.RootBundleID)
	require.Equal(t, int64(4096), off.StartOffsetInRootBundle)

	_, err = db.GetOffset(ctx, "missing")
	require.ErrorIs(t, err, ErrOffsetNotFound)
}

func TestPutOffsets_UpsertOverwrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	offset := DataItemOffset{
		DataItemID:             "item-off-2",
		RootBundleID:            "bundle-root-2",
		StartOffsetInRootBundle: 10,
		RawContentLength:        20,
		PayloadDataStart:        30,
		PayloadContentType:      "application/json",
	}
	require.NoError(t, db.PutOffsets(ctx, []DataItemOffset{offset}))

	offset.RawContentLength = 999
	require.NoError(t, db.PutOffsets(ctx, []DataItemOffset{offset}))

	got, err := db.GetOffset(ctx, "item-off-2")
	require.NoError(t, err)
	require.Equal(t, int64(999), got.RawContentLength)
}

func TestListOffsetsByRootBundle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutOffsets(ctx, []DataItemOffset{
		{DataItemID: "item-a", RootBundleID: "shared-root", StartOffsetInRootBundle: 0, RawContentLength: 10, PayloadDataStart: 10, PayloadContentType: "text/plain"},
		{DataItemID: "item-b", RootBundleID: "shared-root", StartOffsetInRootBundle: 10, RawContentLength: 10, PayloadDataStart: 20, PayloadContentType: "text/plain"},
	}))

	offsets, err := db.ListOffsetsByRootBundle(ctx, "shared-root")
	require.NoError(t, err)
	require.Len(t, offsets, 2)
}

func TestListExpiredOffsets(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.PutOffsets(ctx, []DataItemOffset{
		{DataItemID: "item-expired", RootBundleID: "root-x", StartOffsetInRootBundle: 0, RawContentLength: 10, PayloadDataStart: 10, PayloadContentType: "text/plain", ExpiresAt: &past},
	}))

	expired, err := db.ListExpiredOffsets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "item-expired", expired[0].DataItemID)
}
