// Package ledger implements the three credit-ledger operations from
// spec §4.4: checkBalanceForData, reserveBalanceForData, finalizeReservation.
// It sits between the ingest pipeline and internal/db/payment, adding the
// allow-list/free-upload-limit short-circuit and the Winston cost
// computation that internal/db/payment's raw balance operations don't know
// about.
package ledger

import (
	"context"
	"fmt"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/config"
	"github.com/permaweb/bundler-gateway/internal/db/payment"
	"github.com/permaweb/bundler-gateway/internal/pricing"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

// Ledger wraps the payment_service balance tables with the pricing and
// free-upload policy from spec §4.1 step 1c / §4.4.
type Ledger struct {
	db      *payment.DB
	quoter  *pricing.Quoter
	pricing config.PricingConfig
}

// New constructs a Ledger.
func New(db *payment.DB, quoter *pricing.Quoter, pricingCfg config.PricingConfig) *Ledger {
	return &Ledger{db: db, quoter: quoter, pricing: pricingCfg}
}

// BalanceCheck is the result of checkBalanceForData.
type BalanceCheck struct {
	Sufficient     bool
	BytesCostInWinc winston.Amount
	UserBalance    winston.Amount
	UserAddress    string
}

// CheckBalanceForData reports whether address has enough Winston balance to
// cover byteCount bytes of a data item signed with sigType.
func (l *Ledger) CheckBalanceForData(ctx context.Context, address, addressType string, byteCount int64, sigType ans104.SignatureType) (*BalanceCheck, error) {
	cost, err := l.quoter.WincCostForBytes(ctx, byteCount, sigType)
	if err != nil {
		return nil, fmt.Errorf("ledger: quote byte cost: %w", err)
	}

	sufficient, balance, err := l.db.CheckBalance(ctx, address, addressType, cost)
	if err != nil {
		return nil, fmt.Errorf("ledger: check balance: %w", err)
	}

	return &BalanceCheck{
		Sufficient:      sufficient,
		BytesCostInWinc: cost,
		UserBalance:     balance,
		UserAddress:     address,
	}, nil
}

// ReservationResult is the result of reserveBalanceForData.
type ReservationResult struct {
	IsReserved    bool
	CostOfDataItem winston.Amount
	WalletExists   bool
}

// IsFreeUpload reports whether byteCount is small enough, or address is
// allow-listed, that no reservation is needed at all (spec §4.1 step 1c).
func (l *Ledger) IsFreeUpload(address string, byteCount int64) bool {
	if _, ok := l.pricing.AllowListedAddresses[address]; ok {
		return true
	}
	return byteCount <= l.pricing.FreeUploadLimitBytes
}

// ReserveBalanceForData debits a provisional hold for a not-yet-bundled
// data item. Callers must have already checked IsFreeUpload; this function
// always creates a reservation (even a zero-cost one) when called.
func (l *Ledger) ReserveBalanceForData(ctx context.Context, dataItemID, address, addressType string, byteCount int64, sigType ans104.SignatureType) (*ReservationResult, error) {
	existing, err := l.db.GetOrCreateUser(ctx, address, addressType)
	if err != nil {
		return nil, fmt.Errorf("ledger: load user: %w", err)
	}
	walletExists := existing != nil

	cost, err := l.quoter.WincCostForBytes(ctx, byteCount, sigType)
	if err != nil {
		return nil, fmt.Errorf("ledger: quote byte cost: %w", err)
	}

	if err := l.db.CreateReservation(ctx, payment.Reservation{
		DataItemID:    dataItemID,
		UserAddress:   address,
		UserAddrType:  addressType,
		ReservedWinc:  cost,
		SignatureType: sigType,
		ByteCount:     byteCount,
	}); err != nil {
		return &ReservationResult{IsReserved: false, CostOfDataItem: cost, WalletExists: walletExists}, err
	}

	return &ReservationResult{IsReserved: true, CostOfDataItem: cost, WalletExists: walletExists}, nil
}

// FinalizationStatus is the outcome reported by finalizeReservation.
type FinalizationStatus string

const (
	FinalizationConsumed FinalizationStatus = "consumed"
	FinalizationCancelled FinalizationStatus = "cancelled"
)

// FinalizeReservation consumes a reservation against the actual assessed
// price once a data item reaches a bundle (bundle persistence), or cancels
// it outright with a full refund when the upload never made it that far.
func (l *Ledger) FinalizeReservation(ctx context.Context, dataItemID string, finalCost *winston.Amount) (FinalizationStatus, error) {
	if finalCost == nil {
		if err := l.db.CancelReservation(ctx, dataItemID); err != nil {
			return "", fmt.Errorf("ledger: cancel reservation: %w", err)
		}
		return FinalizationCancelled, nil
	}

	if err := l.db.ConsumeReservation(ctx, dataItemID, *finalCost); err != nil {
		return "", fmt.Errorf("ledger: consume reservation: %w", err)
	}
	return FinalizationConsumed, nil
}
