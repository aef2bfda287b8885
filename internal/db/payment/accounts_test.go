package payment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	paymentmigrations "github.com/permaweb/bundler-gateway/internal/db/payment/migrations"
	"github.com/permaweb/bundler-gateway/internal/db/testutil"
	"github.com/permaweb/bundler-gateway/internal/dbx"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	tdb := testutil.NewTestDB(t, paymentmigrations.FS())
	t.Cleanup(func() { tdb.Close(t) })
	return NewFromDBX(dbx.NewFromPool(tdb.Pool))
}

func TestGetOrCreateUser_CreatesZeroBalance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u, err := db.GetOrCreateUser(ctx, "0xabc", "evm")
	require.NoError(t, err)
	require.Equal(t, 0, u.WinstonBalance.Cmp(winston.Zero()))

	again, err := db.GetOrCreateUser(ctx, "0xabc", "evm")
	require.NoError(t, err)
	require.Equal(t, u.Address, again.Address)
}

func TestAdjustBalance_CreditThenDebit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	credit, err := winston.FromString("1000000")
	require.NoError(t, err)

	u, err := db.AdjustBalance(ctx, "0xdef", "evm", credit, "topup", "tx-1")
	require.NoError(t, err)
	require.Equal(t, "1000000", u.WinstonBalance.String())

	debit, err := winston.FromString("-400000")
	require.NoError(t, err)
	u, err = db.AdjustBalance(ctx, "0xdef", "evm", debit, "spend", "item-1")
	require.NoError(t, err)
	require.Equal(t, "600000", u.WinstonBalance.String())
}

func TestAdjustBalance_RejectsOverdraft(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetOrCreateUser(ctx, "0x111", "evm")
	require.NoError(t, err)

	debit, err := winston.FromString("-1")
	require.NoError(t, err)
	_, err = db.AdjustBalance(ctx, "0x111", "evm", debit, "spend", "item-x")
	require.Error(t, err)
}

func TestCheckBalance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	credit, err := winston.FromString("500")
	require.NoError(t, err)
	_, err = db.AdjustBalance(ctx, "0x222", "evm", credit, "topup", "tx-2")
	require.NoError(t, err)

	cost, err := winston.FromString("100")
	require.NoError(t, err)
	ok, balance, err := db.CheckBalance(ctx, "0x222", "evm", cost)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "500", balance.String())

	tooMuch, err := winston.FromString("10000")
	require.NoError(t, err)
	ok, _, err = db.CheckBalance(ctx, "0x222", "evm", tooMuch)
	require.NoError(t, err)
	require.False(t, ok)
}
