package bundler

import (
	"testing"

	uploadmigrations "github.com/permaweb/bundler-gateway/internal/db/upload/migrations"
	"github.com/permaweb/bundler-gateway/internal/db/testutil"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/dbx"
)

// newTestUploadDB spins up a throwaway Postgres container with the
// upload schema applied, the same testcontainers-go pattern
// internal/db/upload's own tests use.
func newTestUploadDB(t *testing.T) *upload.DB {
	t.Helper()
	tdb := testutil.NewTestDB(t, uploadmigrations.FS())
	t.Cleanup(func() { tdb.Close(t) })
	return upload.NewFromDBX(dbx.NewFromPool(tdb.Pool))
}
