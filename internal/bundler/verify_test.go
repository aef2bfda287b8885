package bundler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

func setupSeededBundle(t *testing.T, db *upload.DB, bundleID, planID, dataItemID string, postedHeight int64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, db.InsertNewDataItem(ctx, upload.NewDataItem{
		DataItemID:           dataItemID,
		OwnerPublicAddress:   "owner-1",
		ByteCount:            100,
		AssessedWinstonPrice: winston.FromInt64(1),
		DeadlineHeight:       999999,
	}))
	require.NoError(t, db.CreatePlan(ctx, planID, []string{dataItemID}, 100))
	require.NoError(t, db.MoveToPlanned(ctx, planID, []string{dataItemID}))
	require.NoError(t, db.CreateBundle(ctx, upload.Bundle{
		BundleID:             bundleID,
		PlanID:               planID,
		PayloadByteCount:     100,
		HeaderByteCount:      10,
		TransactionByteCount: 110,
		PostedBlockHeight:    postedHeight,
		Reward:               "1",
	}))
	require.NoError(t, db.MarkSeeded(ctx, bundleID))
}

func TestVerifier_Run_DropsBundleThatNeverMines(t *testing.T) {
	db := newTestUploadDB(t)
	ctx := context.Background()
	gw := newFakeGateway()
	gw.blockHeight = 1000
	// bundle-drop: no mined height recorded, posted well past DropBundleTxThreshold.
	setupSeededBundle(t, db, "bundle-drop", "00000000-0000-4000-8000-000000000101", "item-drop", 10)

	verifier := NewVerifier(db, gw, config.BundlingConfig{
		DropBundleTxThreshold:    100,
		TxConfirmationThreshold:  10,
		TxPermanentThreshold:     50,
		RetryLimitForFailedItems: 10,
	})
	require.NoError(t, verifier.Run(ctx))

	bundle, err := db.GetBundle(ctx, "bundle-drop")
	require.NoError(t, err)
	require.Equal(t, upload.BundleDropped, bundle.Status)

	item, err := db.GetNewDataItem(ctx, "item-drop")
	require.NoError(t, err)
	require.Equal(t, []string{"bundle-drop"}, item.FailedBundles)
}

func TestVerifier_Run_ConfirmsAndFinalizesMinedBundle(t *testing.T) {
	db := newTestUploadDB(t)
	ctx := context.Background()
	gw := newFakeGateway()
	gw.blockHeight = 1000
	gw.minedHeights["bundle-final"] = 900 // 100 blocks deep

	setupSeededBundle(t, db, "bundle-final", "00000000-0000-4000-8000-000000000102", "item-final", 890)

	verifier := NewVerifier(db, gw, config.BundlingConfig{
		DropBundleTxThreshold:    500,
		TxConfirmationThreshold:  10,
		TxPermanentThreshold:     50,
		RetryLimitForFailedItems: 10,
	})
	require.NoError(t, verifier.Run(ctx))

	bundle, err := db.GetBundle(ctx, "bundle-final")
	require.NoError(t, err)
	require.Equal(t, upload.BundlePermanent, bundle.Status)
}

func TestVerifier_Run_LeavesRecentlyMinedBundleSeeded(t *testing.T) {
	db := newTestUploadDB(t)
	ctx := context.Background()
	gw := newFakeGateway()
	gw.blockHeight = 1000
	gw.minedHeights["bundle-shallow"] = 998 // only 2 blocks deep

	setupSeededBundle(t, db, "bundle-shallow", "00000000-0000-4000-8000-000000000103", "item-shallow", 995)

	verifier := NewVerifier(db, gw, config.BundlingConfig{
		DropBundleTxThreshold:    500,
		TxConfirmationThreshold:  10,
		TxPermanentThreshold:     50,
		RetryLimitForFailedItems: 10,
	})
	require.NoError(t, verifier.Run(ctx))

	bundle, err := db.GetBundle(ctx, "bundle-shallow")
	require.NoError(t, err)
	require.Equal(t, upload.BundleSeeded, bundle.Status)
}
