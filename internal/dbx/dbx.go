// Package dbx provides the pooled-connection PostgreSQL wrapper shared by
// both logical databases (payment_service, upload_service). It is lifted
// directly from the teacher's internal/db.DB: a pgxpool.Pool with bounded
// query timeouts and a context-cancel-at-Scan-time row/rows wrapper so a
// caller's timeout context doesn't outlive the query but also doesn't fire
// before Scan/Close actually reads the wire.
package dbx

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultQueryTimeout bounds every query issued through this wrapper.
const DefaultQueryTimeout = 30 * time.Second

// DB wraps a PostgreSQL connection pool for one logical database.
type DB struct {
	pool *pgxpool.Pool
}

// Config holds connection parameters for one logical database.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

// NewFromPool wraps an existing pool — used by tests against a
// testcontainers-go Postgres instance.
func NewFromPool(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// New opens a new connection pool tuned the way the teacher tunes its
// Stronghold pool: generous max-conns, a modest floor of warm connections,
// and periodic health checks.
func New(ctx context.Context, cfg Config) (*DB, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("dbx: parse connection string: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 25
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("dbx: create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("dbx: ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying pgxpool.Pool, for callers that need direct
// access (migrations, advisory locks, FOR UPDATE SKIP LOCKED scans).
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// BeginTx starts a new transaction. Callers are responsible for the
// transaction's own deadline via the supplied context.
func (db *DB) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.pool.Begin(ctx)
}

// Exec runs a statement without returning rows.
func (db *DB) Exec(ctx context.Context, sql string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// ExecResult runs a statement and returns the command tag, for RowsAffected
// checks (e.g. the atomic balance-deduction pattern in internal/ledger).
func (db *DB) ExecResult(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	return db.pool.Exec(ctx, sql, args...)
}

// cancelRow defers the timeout-context cancel to Scan time, since pgx
// doesn't read the wire until Scan is called.
type cancelRow struct {
	row    pgx.Row
	cancel context.CancelFunc
}

func (r *cancelRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	r.cancel()
	return err
}

// QueryRow runs a single-row query. The returned Row holds the timeout
// context alive until Scan is called.
func (db *DB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	return &cancelRow{row: db.pool.QueryRow(ctx, sql, args...), cancel: cancel}
}

type cancelRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *cancelRows) Close() {
	r.Rows.Close()
	r.cancel()
}

// Query runs a multi-row query. The returned Rows must be closed by the
// caller, which also cancels the timeout context.
func (db *DB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelRows{Rows: rows, cancel: cancel}, nil
}

// Migrate applies every embedded *.sql migration in version order, holding
// a dedicated advisory lock for the whole run so two instances starting up
// concurrently never race on schema changes.
func (db *DB) Migrate(ctx context.Context, fsys MigrationSource, advisoryLockID int64) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("dbx: acquire connection for migrations: %w", err)
	}
	defer conn.Release()
	return runMigrations(ctx, conn.Conn(), fsys, advisoryLockID)
}
