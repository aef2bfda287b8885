package upload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	uploadmigrations "github.com/permaweb/bundler-gateway/internal/db/upload/migrations"
	"github.com/permaweb/bundler-gateway/internal/db/testutil"
	"github.com/permaweb/bundler-gateway/internal/dbx"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	tdb := testutil.NewTestDB(t, uploadmigrations.FS())
	t.Cleanup(func() { tdb.Close(t) })
	return NewFromDBX(dbx.NewFromPool(tdb.Pool))
}

func testNewDataItem(id string) NewDataItem {
	return NewDataItem{
		DataItemID:           id,
		OwnerPublicAddress:   "owner-addr",
		ByteCount:            4096,
		AssessedWinstonPrice: winston.FromInt64(12345),
		PayloadDataStart:     1200,
		PayloadContentType:   "application/octet-stream",
		DeadlineHeight:       999999,
		Signature:            []byte{1, 2, 3, 4},
	}
}

func TestInsertAndGetNewDataItem(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertNewDataItem(ctx, testNewDataItem("item-a")))

	item, err := db.GetNewDataItem(ctx, "item-a")
	require.NoError(t, err)
	require.Equal(t, "owner-addr", item.OwnerPublicAddress)
	require.Equal(t, int64(4096), item.ByteCount)

	_, err = db.GetNewDataItem(ctx, "missing")
	require.ErrorIs(t, err, ErrDataItemNotFound)
}

func TestListUnplannedDataItems(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertNewDataItem(ctx, testNewDataItem("item-b")))
	require.NoError(t, db.InsertNewDataItem(ctx, testNewDataItem("item-c")))

	items, err := db.ListUnplannedDataItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestMoveToPlannedThenPermanent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertNewDataItem(ctx, testNewDataItem("item-d")))
	require.NoError(t, db.CreatePlan(ctx, "00000000-0000-4000-8000-000000000001", []string{"item-d"}, 4096))
	require.NoError(t, db.MoveToPlanned(ctx, "00000000-0000-4000-8000-000000000001", []string{"item-d"}))

	_, err := db.GetNewDataItem(ctx, "item-d")
	require.ErrorIs(t, err, ErrDataItemNotFound)

	require.NoError(t, db.CreateBundle(ctx, Bundle{
		BundleID:             "bundle-1",
		PlanID:               "00000000-0000-4000-8000-000000000001",
		PayloadByteCount:     4096,
		HeaderByteCount:      512,
		TransactionByteCount: 4608,
		Reward:               "0",
	}))

	require.NoError(t, db.MoveToPermanent(ctx, "bundle-1", 123456, []string{"item-d"}))
}

func TestMoveToFailed_FromNew(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertNewDataItem(ctx, testNewDataItem("item-e")))
	require.NoError(t, db.MoveToFailed(ctx, "item-e", "deadline exceeded"))

	_, err := db.GetNewDataItem(ctx, "item-e")
	require.ErrorIs(t, err, ErrDataItemNotFound)
}

func TestRequeuePlannedDataItem(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertNewDataItem(ctx, testNewDataItem("item-f")))
	require.NoError(t, db.CreatePlan(ctx, "00000000-0000-4000-8000-000000000004", []string{"item-f"}, 4096))
	require.NoError(t, db.MoveToPlanned(ctx, "00000000-0000-4000-8000-000000000004", []string{"item-f"}))

	attempts, err := db.RequeuePlannedDataItem(ctx, "item-f", "dropped-bundle-1")
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	item, err := db.GetNewDataItem(ctx, "item-f")
	require.NoError(t, err)
	require.Equal(t, []string{"dropped-bundle-1"}, item.FailedBundles)

	_, err = db.RequeuePlannedDataItem(ctx, "missing-item", "dropped-bundle-2")
	require.ErrorIs(t, err, ErrDataItemNotFound)
}
