package bundler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

func TestIsFatalChunkUploadError(t *testing.T) {
	fatal := []string{
		"invalid_json",
		"chunk_too_big",
		"data_path_too_big",
		"offset_too_big",
		"data_size_too_big",
		"chunk_proof_ratio_not_attractive",
		"invalid_proof",
	}
	for _, code := range fatal {
		require.True(t, IsFatalChunkUploadError(code), code)
	}

	require.False(t, IsFatalChunkUploadError("internal_server_error"))
	require.False(t, IsFatalChunkUploadError(""))
}

func TestPoster_failPlan_RequeuesBelowRetryLimit(t *testing.T) {
	db := newTestUploadDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertNewDataItem(ctx, upload.NewDataItem{
		DataItemID:           "item-failplan-1",
		OwnerPublicAddress:   "owner-1",
		ByteCount:            100,
		AssessedWinstonPrice: winston.FromInt64(1),
		DeadlineHeight:       999999,
	}))
	require.NoError(t, db.CreatePlan(ctx, "00000000-0000-4000-8000-000000000401", []string{"item-failplan-1"}, 100))
	require.NoError(t, db.MoveToPlanned(ctx, "00000000-0000-4000-8000-000000000401", []string{"item-failplan-1"}))

	poster := NewPoster(db, nil, nil, nil, config.BundlingConfig{RetryLimitForFailedItems: 10})
	plan, err := db.GetPlan(ctx, "00000000-0000-4000-8000-000000000401")
	require.NoError(t, err)

	require.NoError(t, poster.failPlan(ctx, plan, "gateway rejected: invalid_proof"))

	updatedPlan, err := db.GetPlan(ctx, "00000000-0000-4000-8000-000000000401")
	require.NoError(t, err)
	require.Equal(t, upload.PlanFailed, updatedPlan.Status)

	item, err := db.GetNewDataItem(ctx, "item-failplan-1")
	require.NoError(t, err)
	require.Equal(t, []string{"00000000-0000-4000-8000-000000000401"}, item.FailedBundles)
}

func TestPoster_failPlan_MovesToFailedOnceRetryLimitExhausted(t *testing.T) {
	db := newTestUploadDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertNewDataItem(ctx, upload.NewDataItem{
		DataItemID:           "item-failplan-2",
		OwnerPublicAddress:   "owner-1",
		ByteCount:            100,
		AssessedWinstonPrice: winston.FromInt64(1),
		DeadlineHeight:       999999,
	}))

	poster := NewPoster(db, nil, nil, nil, config.BundlingConfig{RetryLimitForFailedItems: 0})

	require.NoError(t, db.CreatePlan(ctx, "00000000-0000-4000-8000-000000000402", []string{"item-failplan-2"}, 100))
	require.NoError(t, db.MoveToPlanned(ctx, "00000000-0000-4000-8000-000000000402", []string{"item-failplan-2"}))
	plan, err := db.GetPlan(ctx, "00000000-0000-4000-8000-000000000402")
	require.NoError(t, err)

	require.NoError(t, poster.failPlan(ctx, plan, "gateway rejected: invalid_proof"))

	_, err = db.GetNewDataItem(ctx, "item-failplan-2")
	require.ErrorIs(t, err, upload.ErrDataItemNotFound)
}
