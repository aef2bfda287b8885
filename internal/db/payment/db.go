// Package payment owns the payment_service logical database: users and
// their Winston credit balance, the balance ledger, balance reservations,
// and the x402 payment/reservation tables (spec §3, §4.2, §4.4).
package payment

import (
	"context"

	"github.com/permaweb/bundler-gateway/internal/db/payment/migrations"
	"github.com/permaweb/bundler-gateway/internal/dbx"
)

// advisoryLockID is a fixed int64 passed to pg_advisory_lock so two
// payment-service instances booting concurrently never race on schema
// migration, mirroring the teacher's per-service lock constant.
const advisoryLockID int64 = 0x5061796d656e7473 // "Payments" as int64

// DB wraps the payment_service connection pool.
type DB struct {
	*dbx.DB
}

// New opens the payment_service pool and pings it.
func New(ctx context.Context, cfg dbx.Config) (*DB, error) {
	base, err := dbx.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{DB: base}, nil
}

// NewFromDBX wraps an already-constructed dbx.DB, used by tests that share
// a single testcontainers-go Postgres instance across packages.
func NewFromDBX(base *dbx.DB) *DB {
	return &DB{DB: base}
}

// Migrate applies every pending payment_service migration.
func (db *DB) Migrate(ctx context.Context) error {
	return db.DB.Migrate(ctx, migrations.FS(), advisoryLockID)
}
