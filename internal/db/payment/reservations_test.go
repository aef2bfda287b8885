package payment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

func TestCreateAndConsumeReservation_Surplus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	credit, err := winston.FromString("1000")
	require.NoError(t, err)
	_, err = db.AdjustBalance(ctx, "0xaaa", "evm", credit, "topup", "tx-1")
	require.NoError(t, err)

	reserved, err := winston.FromString("500")
	require.NoError(t, err)
	err = db.CreateReservation(ctx, Reservation{
		DataItemID:    "item-1",
		UserAddress:   "0xaaa",
		UserAddrType:  "evm",
		ReservedWinc:  reserved,
		SignatureType: ans104.SigEthereum,
		ByteCount:     2048,
	})
	require.NoError(t, err)

	u, err := db.GetUser(ctx, "0xaaa", "evm")
	require.NoError(t, err)
	require.Equal(t, "500", u.WinstonBalance.String())

	final, err := winston.FromString("300")
	require.NoError(t, err)
	err = db.ConsumeReservation(ctx, "item-1", final)
	require.NoError(t, err)

	u, err = db.GetUser(ctx, "0xaaa", "evm")
	require.NoError(t, err)
	require.Equal(t, "700", u.WinstonBalance.String())

	err = db.ConsumeReservation(ctx, "item-1", final)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrReservationNotFound)
}

func TestCancelReservation_RefundsInFull(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	credit, err := winston.FromString("1000")
	require.NoError(t, err)
	_, err = db.AdjustBalance(ctx, "0xbbb", "evm", credit, "topup", "tx-2")
	require.NoError(t, err)

	reserved, err := winston.FromString("400")
	require.NoError(t, err)
	err = db.CreateReservation(ctx, Reservation{
		DataItemID:    "item-2",
		UserAddress:   "0xbbb",
		UserAddrType:  "evm",
		ReservedWinc:  reserved,
		SignatureType: ans104.SigArweave,
		ByteCount:     1024,
	})
	require.NoError(t, err)

	err = db.CancelReservation(ctx, "item-2")
	require.NoError(t, err)

	u, err := db.GetUser(ctx, "0xbbb", "evm")
	require.NoError(t, err)
	require.Equal(t, "1000", u.WinstonBalance.String())
}
