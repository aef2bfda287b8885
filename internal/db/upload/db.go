// Package upload owns the upload_service logical database: the data-item
// lifecycle tables (new/planned/permanent/failed), bundle plans and bundles,
// data item offsets, and multipart upload bookkeeping (spec §3, §4.1, §4.3,
// §4.5).
package upload

import (
	"context"

	"github.com/permaweb/bundler-gateway/internal/db/upload/migrations"
	"github.com/permaweb/bundler-gateway/internal/dbx"
)

// advisoryLockID is distinct from payment's lock constant so the two
// services' migration runners never collide even if they briefly share a
// Postgres instance in development.
const advisoryLockID int64 = 0x55706c6f6164735f // "Uploads_" as int64

// DB wraps the upload_service connection pool.
type DB struct {
	*dbx.DB
}

// New opens the upload_service pool and pings it.
func New(ctx context.Context, cfg dbx.Config) (*DB, error) {
	base, err := dbx.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{DB: base}, nil
}

// NewFromDBX wraps an already-constructed dbx.DB, used by tests that share a
// single testcontainers-go Postgres instance across packages.
func NewFromDBX(base *dbx.DB) *DB {
	return &DB{DB: base}
}

// Migrate applies every pending upload_service migration.
func (db *DB) Migrate(ctx context.Context) error {
	return db.DB.Migrate(ctx, migrations.FS(), advisoryLockID)
}
