package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/permaweb/bundler-gateway/internal/usdc"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

// ErrPaymentNotFound and ErrDuplicatePayment back the idempotent-by-tx-hash
// creation contract spec §4.2 requires for on-chain settlement callbacks,
// grounded on the teacher's CreateOrGetPaymentTransaction dedup-by-txhash
// approach in internal/db/payments.go.
var (
	ErrPaymentNotFound   = errors.New("payment: x402 payment not found")
	ErrDuplicatePayment  = errors.New("payment: x402 payment already recorded for tx hash")
)

// PaymentMode mirrors the three x402 settlement flows from spec §4.2.
type PaymentMode string

const (
	ModePayg  PaymentMode = "payg"
	ModeTopup PaymentMode = "topup"
	ModeHybrid PaymentMode = "hybrid"
)

// PaymentStatus is the x402_payments.status lifecycle.
type PaymentStatus string

const (
	StatusPending       PaymentStatus = "pending"
	StatusConfirmed     PaymentStatus = "confirmed"
	StatusFraudPenalty  PaymentStatus = "fraud_penalty"
	StatusRefunded      PaymentStatus = "refunded"
)

// X402Payment records one on-chain EIP-3009 transfer verified and settled
// through the facilitator.
type X402Payment struct {
	ID                uuid.UUID
	UserAddress       string
	UserAddrType      string
	TxHash            string
	Network           string
	TokenAddress      string
	USDCAmount        usdc.MicroUSDC
	WincAmount        winston.Amount
	Mode              PaymentMode
	DataItemID        string
	DeclaredByteCount *int64
	ActualByteCount   *int64
	PayerAddress      string
	Status            PaymentStatus
	CreatedAt         time.Time
	FinalizedAt       *time.Time
}

const x402SelectColumns = `id, user_address, user_address_type, tx_hash, network, token_address,
	usdc_amount, winc_amount, mode, data_item_id, declared_byte_count, actual_byte_count,
	payer_address, status, created_at, finalized_at`

func scanX402Payment(row pgx.Row) (*X402Payment, error) {
	p := &X402Payment{}
	var userAddr, userAddrType, dataItemID *string
	if err := row.Scan(&p.ID, &userAddr, &userAddrType, &p.TxHash, &p.Network, &p.TokenAddress,
		&p.USDCAmount, &p.WincAmount, &p.Mode, &dataItemID, &p.DeclaredByteCount, &p.ActualByteCount,
		&p.PayerAddress, &p.Status, &p.CreatedAt, &p.FinalizedAt); err != nil {
		return nil, err
	}
	if userAddr != nil {
		p.UserAddress = *userAddr
	}
	if userAddrType != nil {
		p.UserAddrType = *userAddrType
	}
	if dataItemID != nil {
		p.DataItemID = *dataItemID
	}
	return p, nil
}

// CreatePayment inserts a new x402 payment row, returning ErrDuplicatePayment
// if the tx hash was already recorded (settlement callbacks may be retried
// at-least-once by the facilitator).
func (db *DB) CreatePayment(ctx context.Context, p X402Payment) (*X402Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := db.QueryRow(ctx, `
		INSERT INTO x402_payments
			(id, user_address, user_address_type, tx_hash, network, token_address, usdc_amount,
			 winc_amount, mode, data_item_id, declared_byte_count, actual_byte_count, payer_address, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING `+x402SelectColumns,
		p.ID, nullableString(p.UserAddress), nullableString(p.UserAddrType), p.TxHash, p.Network, p.TokenAddress,
		p.USDCAmount, p.WincAmount.BigInt().String(), p.Mode, nullableString(p.DataItemID),
		p.DeclaredByteCount, p.ActualByteCount, p.PayerAddress, p.Status)
	rec, err := scanX402Payment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDuplicatePayment
	}
	if err != nil {
		return nil, fmt.Errorf("payment: insert x402 payment: %w", err)
	}
	return rec, nil
}

// GetPaymentByTxHash looks up a payment for facilitator-callback dedup.
func (db *DB) GetPaymentByTxHash(ctx context.Context, txHash string) (*X402Payment, error) {
	row := db.QueryRow(ctx, `SELECT `+x402SelectColumns+` FROM x402_payments WHERE tx_hash = $1`, txHash)
	p, err := scanX402Payment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

// GetPaymentByDataItemID looks up the x402 payment recorded against a data
// item, the lookup the finalize-reconciliation call needs once the upload
// service reports a data item's actual byte count.
func (db *DB) GetPaymentByDataItemID(ctx context.Context, dataItemID string) (*X402Payment, error) {
	row := db.QueryRow(ctx, `SELECT `+x402SelectColumns+` FROM x402_payments WHERE data_item_id = $1`, dataItemID)
	p, err := scanX402Payment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

// UpdatePaymentStatus transitions a payment's status, stamping finalized_at
// for any terminal status.
func (db *DB) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status PaymentStatus) error {
	tag, err := db.ExecResult(ctx, `
		UPDATE x402_payments SET status = $1, finalized_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("payment: update x402 payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// CreateX402Reservation records an expiring hold tying a pending payment to
// a data item upload (spec §4.2's payment-timeout window).
func (db *DB) CreateX402Reservation(ctx context.Context, dataItemID string, paymentID uuid.UUID, expiresAt time.Time) error {
	err := db.Exec(ctx, `
		INSERT INTO x402_reservations (data_item_id, payment_id, expires_at)
		VALUES ($1, $2, $3)`, dataItemID, paymentID, expiresAt)
	if err != nil {
		return fmt.Errorf("payment: insert x402 reservation: %w", err)
	}
	return nil
}

// SweepExpiredX402Reservations deletes reservations past their expiry and
// returns the affected data item ids, so callers can mark those uploads
// failed (spec §4.2 payment-timeout handling).
func (db *DB) SweepExpiredX402Reservations(ctx context.Context) ([]string, error) {
	rows, err := db.Query(ctx, `
		DELETE FROM x402_reservations WHERE expires_at < NOW() RETURNING data_item_id`)
	if err != nil {
		return nil, fmt.Errorf("payment: sweep expired x402 reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
