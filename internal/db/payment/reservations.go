package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

// ErrReservationNotFound is returned by ConsumeReservation and
// CancelReservation when no matching row exists.
var ErrReservationNotFound = errors.New("payment: reservation not found")

// Reservation holds a provisional balance hold made at upload time while the
// final assessed price is still being computed (spec §4.2 step 3).
type Reservation struct {
	DataItemID     string
	UserAddress    string
	UserAddrType   string
	ReservedWinc   winston.Amount
	NetworkFee     winston.Amount
	ServiceFee     winston.Amount
	SignatureType  ans104.SignatureType
	ByteCount      int64
}

// CreateReservation debits the user's balance by reservedWinc and records a
// balance_reservations row in the same transaction, the reservation half of
// the ledger invariant grounded on AdjustBalance's conditional UPDATE.
func (db *DB) CreateReservation(ctx context.Context, r Reservation) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin reservation tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET winston_balance = winston_balance - $1, updated_at = NOW()
		WHERE user_address = $2 AND user_address_type = $3
		  AND winston_balance - $1 >= 0`,
		r.ReservedWinc.BigInt().String(), r.UserAddress, r.UserAddrType)
	if err != nil {
		return fmt.Errorf("payment: debit for reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment: insufficient balance to reserve %s for %s", r.ReservedWinc, r.DataItemID)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO balance_reservations
			(data_item_id, user_address, user_address_type, reserved_winston, network_fee, service_fee, signature_type, byte_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.DataItemID, r.UserAddress, r.UserAddrType, r.ReservedWinc.BigInt().String(),
		r.NetworkFee.BigInt().String(), r.ServiceFee.BigInt().String(), int16(r.SignatureType), r.ByteCount); err != nil {
		return fmt.Errorf("payment: insert reservation row: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO balance_ledger (user_address, user_address_type, delta_winston, change_reason)
		VALUES ($1, $2, $3, $4)`,
		r.UserAddress, r.UserAddrType, "-"+r.ReservedWinc.BigInt().String(), "reserve:"+r.DataItemID); err != nil {
		return fmt.Errorf("payment: insert reservation ledger row: %w", err)
	}

	return tx.Commit(ctx)
}

// ConsumeReservation finalizes a reservation against the actual assessed
// price: any surplus is refunded to the user, any shortfall is charged
// (subject to the caller already having verified sufficient balance via a
// separate AdjustBalance call, per spec §4.4's "fraud tolerance" handling).
func (db *DB) ConsumeReservation(ctx context.Context, dataItemID string, finalWinc winston.Amount) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin consume tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var userAddr, userAddrType string
	var reserved winston.Amount
	row := tx.QueryRow(ctx, `
		SELECT user_address, user_address_type, reserved_winston
		FROM balance_reservations WHERE data_item_id = $1 FOR UPDATE`, dataItemID)
	if err := row.Scan(&userAddr, &userAddrType, &reserved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationNotFound
		}
		return fmt.Errorf("payment: select reservation: %w", err)
	}

	delta := reserved.Sub(finalWinc) // positive => refund, negative => extra charge
	if !delta.IsNegative() && delta.Cmp(winston.Zero()) != 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE users SET winston_balance = winston_balance + $1, updated_at = NOW()
			WHERE user_address = $2 AND user_address_type = $3`,
			delta.BigInt().String(), userAddr, userAddrType); err != nil {
			return fmt.Errorf("payment: refund surplus: %w", err)
		}
	} else if delta.IsNegative() {
		shortfall := delta.BigInt().String() // already negative
		tag, err := tx.Exec(ctx, `
			UPDATE users SET winston_balance = winston_balance + $1, updated_at = NOW()
			WHERE user_address = $2 AND user_address_type = $3 AND winston_balance + $1 >= 0`,
			shortfall, userAddr, userAddrType)
		if err != nil {
			return fmt.Errorf("payment: charge shortfall: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("payment: insufficient balance to cover shortfall for %s", dataItemID)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO balance_ledger (user_address, user_address_type, delta_winston, change_reason)
		VALUES ($1, $2, $3, $4)`,
		userAddr, userAddrType, delta.BigInt().String(), "consume-reservation:"+dataItemID); err != nil {
		return fmt.Errorf("payment: insert consume ledger row: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM balance_reservations WHERE data_item_id = $1`, dataItemID); err != nil {
		return fmt.Errorf("payment: delete reservation: %w", err)
	}

	return tx.Commit(ctx)
}

// CancelReservation refunds a reservation in full without consuming it,
// used when a data item upload fails before bundling (spec §4.1 failed
// state transition).
func (db *DB) CancelReservation(ctx context.Context, dataItemID string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var userAddr, userAddrType string
	var reserved winston.Amount
	row := tx.QueryRow(ctx, `
		SELECT user_address, user_address_type, reserved_winston
		FROM balance_reservations WHERE data_item_id = $1 FOR UPDATE`, dataItemID)
	if err := row.Scan(&userAddr, &userAddrType, &reserved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationNotFound
		}
		return fmt.Errorf("payment: select reservation: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users SET winston_balance = winston_balance + $1, updated_at = NOW()
		WHERE user_address = $2 AND user_address_type = $3`,
		reserved.BigInt().String(), userAddr, userAddrType); err != nil {
		return fmt.Errorf("payment: refund reservation: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO balance_ledger (user_address, user_address_type, delta_winston, change_reason)
		VALUES ($1, $2, $3, $4)`,
		userAddr, userAddrType, reserved.BigInt().String(), "cancel-reservation:"+dataItemID); err != nil {
		return fmt.Errorf("payment: insert cancel ledger row: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM balance_reservations WHERE data_item_id = $1`, dataItemID); err != nil {
		return fmt.Errorf("payment: delete reservation: %w", err)
	}

	return tx.Commit(ctx)
}
