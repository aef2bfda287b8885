package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/permaweb/bundler-gateway/internal/winston"
)

// ErrUserNotFound mirrors the teacher's sentinel-error convention in
// internal/db/accounts.go for the common "row doesn't exist yet" case.
var ErrUserNotFound = errors.New("payment: user not found")

// User is the credit-account entity from spec §3.
type User struct {
	Address         string
	AddressType     string
	WinstonBalance  winston.Amount
	PromotionalInfo []byte // raw JSONB, left to callers to unmarshal
}

const userSelectColumns = `user_address, user_address_type, winston_balance, promotional_info`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	if err := row.Scan(&u.Address, &u.AddressType, &u.WinstonBalance, &u.PromotionalInfo); err != nil {
		return nil, err
	}
	return u, nil
}

// GetOrCreateUser fetches a user row, creating a zero-balance row on first
// sight (the teacher's CreateOrGetPaymentTransaction ON CONFLICT pattern,
// adapted here to a composite natural key instead of a generated UUID).
func (db *DB) GetOrCreateUser(ctx context.Context, address, addressType string) (*User, error) {
	row := db.QueryRow(ctx, `
		INSERT INTO users (user_address, user_address_type)
		VALUES ($1, $2)
		ON CONFLICT (user_address, user_address_type) DO UPDATE SET user_address = EXCLUDED.user_address
		RETURNING `+userSelectColumns, address, addressType)
	return scanUser(row)
}

// GetUser fetches a user row, returning ErrUserNotFound if absent.
func (db *DB) GetUser(ctx context.Context, address, addressType string) (*User, error) {
	row := db.QueryRow(ctx, `SELECT `+userSelectColumns+`
		FROM users WHERE user_address = $1 AND user_address_type = $2`, address, addressType)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// AdjustBalance atomically applies delta to a user's Winston balance and
// records a ledger row, both inside one transaction. This is the single
// ledger function spec §4.4 requires every balance mutation to pass
// through: the conditional UPDATE ... WHERE winston_balance + delta >= 0
// generalizes the teacher's DeductBalance (internal/db/accounts.go),
// whose WHERE balance_usdc >= $1 guard is the grounding for the
// non-negative-balance invariant (spec §8 property 2).
func (db *DB) AdjustBalance(ctx context.Context, address, addressType string, delta winston.Amount, changeReason string, changeID string) (*User, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment: begin adjust-balance tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Ensure the user row exists before the conditional update runs.
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (user_address, user_address_type)
		VALUES ($1, $2)
		ON CONFLICT (user_address, user_address_type) DO NOTHING`, address, addressType); err != nil {
		return nil, fmt.Errorf("payment: ensure user row: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET winston_balance = winston_balance + $1, updated_at = NOW()
		WHERE user_address = $2 AND user_address_type = $3
		  AND winston_balance + $1 >= 0`,
		delta.BigInt().String(), address, addressType)
	if err != nil {
		return nil, fmt.Errorf("payment: adjust balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("payment: insufficient balance for %s/%s", address, addressType)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO balance_ledger (user_address, user_address_type, delta_winston, change_reason)
		VALUES ($1, $2, $3, $4)`,
		address, addressType, delta.BigInt().String(), changeReason+":"+changeID); err != nil {
		return nil, fmt.Errorf("payment: insert ledger row: %w", err)
	}

	row := tx.QueryRow(ctx, `SELECT `+userSelectColumns+`
		FROM users WHERE user_address = $1 AND user_address_type = $2`, address, addressType)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("payment: commit adjust-balance tx: %w", err)
	}
	return u, nil
}

// CheckBalance reports whether a user's balance covers costWinston,
// backing the `checkBalanceForData` operation from spec §4.4.
func (db *DB) CheckBalance(ctx context.Context, address, addressType string, costWinston winston.Amount) (sufficient bool, balance winston.Amount, err error) {
	u, err := db.GetOrCreateUser(ctx, address, addressType)
	if err != nil {
		return false, winston.Zero(), err
	}
	return u.WinstonBalance.Cmp(costWinston) >= 0, u.WinstonBalance, nil
}
