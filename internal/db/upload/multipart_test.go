package upload

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMultipartUploadLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	uploadID := uuid.New()
	require.NoError(t, db.CreateMultipartUpload(ctx, MultipartUpload{
		UploadID:          uploadID,
		ChunkSize:         5 * 1024 * 1024,
		ExpectedByteCount: 12 * 1024 * 1024,
		FinalizeToken:     "token-1",
	}))

	fetched, err := db.GetMultipartUpload(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, MultipartOpen, fetched.Status)

	require.NoError(t, db.RecordPart(ctx, MultipartPart{UploadID: uploadID, PartNumber: 1, ETag: "etag1", Size: 5 * 1024 * 1024}))
	require.NoError(t, db.RecordPart(ctx, MultipartPart{UploadID: uploadID, PartNumber: 2, ETag: "etag2", Size: 5 * 1024 * 1024}))
	require.NoError(t, db.RecordPart(ctx, MultipartPart{UploadID: uploadID, PartNumber: 3, ETag: "etag3", Size: 2 * 1024 * 1024}))

	parts, err := db.ListParts(ctx, uploadID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.NoError(t, VerifyContiguous(parts))

	require.NoError(t, db.FinalizeMultipartUpload(ctx, uploadID))
	fetched, err = db.GetMultipartUpload(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, MultipartFinalized, fetched.Status)
}

func TestVerifyContiguous_DetectsGap(t *testing.T) {
	parts := []MultipartPart{
		{PartNumber: 1},
		{PartNumber: 3},
	}
	err := VerifyContiguous(parts)
	require.ErrorIs(t, err, ErrPartsNotContiguous)
}

func TestAbortMultipartUpload_UnknownID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.AbortMultipartUpload(ctx, uuid.New())
	require.ErrorIs(t, err, ErrMultipartUploadNotFound)
}
