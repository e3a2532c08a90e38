// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore keeps the kiosk's durable state in SQLite: the catalog cache,
// purchase transactions, the outbound sync queue and key/value settings.
//
// All writes go through a single connection. Multi-statement writes (catalog
// reconciliation, transaction plus queue item) run inside one SQLite transaction,
// either through the Store methods that need it or through WithTx.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// ErrDuplicate is returned when inserting a row whose key already exists
var ErrDuplicate = errors.New("duplicate key")

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops holds every statement of the store. It is embedded in Store (auto-commit)
// and in Tx (inside a unit of work) so both expose the same single-statement methods.
type ops struct {
	q   querier
	now func() time.Time
}

// Store is the SQLite-backed local store
type Store struct {
	ops
	db     *sql.DB
	logger *slog.Logger
}

// Tx is a unit of work. It is only valid inside the WithTx callback.
type Tx struct {
	ops
	tx *sql.Tx
}

// Option customizes a Store
type Option func(*Store)

// WithLogger sets the logger used by the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source used for created_at and sync generations
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the SQLite database at path and initializes the schema.
// Use ":memory:" for a throwaway database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// Single writer. Also keeps a ":memory:" database alive on one connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database and initializes the schema.
// The caller should limit db to a single open connection.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		ops:    ops{q: db, now: time.Now},
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside one SQLite transaction. Everything fn does commits together or not at all.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kiosk.StorageError("begin transaction", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{ops: ops{q: sqlTx, now: s.now}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return kiosk.StorageError("commit transaction", err)
	}
	return nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Catalog tables carry no foreign keys: a scope may be synced before its parent,
	// and orphans are reported by ValidateIntegrity instead.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id             INTEGER PRIMARY KEY,
			name           TEXT NOT NULL,
			logo_url       TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT '',
			is_active      INTEGER NOT NULL DEFAULT 1,
			sync_timestamp INTEGER NOT NULL          -- generation of the batch that wrote the row
		)`,

		`CREATE TABLE IF NOT EXISTS categories (
			id             INTEGER PRIMARY KEY,
			channel_id     INTEGER NOT NULL,
			name           TEXT NOT NULL,
			image          TEXT NOT NULL DEFAULT '',
			products_count INTEGER NOT NULL DEFAULT 0,
			sync_timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_categories_channel ON categories(channel_id, sync_timestamp)`,

		`CREATE TABLE IF NOT EXISTS products (
			id             INTEGER PRIMARY KEY,
			category_id    INTEGER NOT NULL,
			name           TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			price          TEXT NOT NULL,            -- decimal string
			image          TEXT NOT NULL DEFAULT '',
			sync_timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_products_category ON products(category_id, sync_timestamp)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			uuid            TEXT PRIMARY KEY,        -- client-side idempotency key
			slot_number     INTEGER NOT NULL,
			product_id      INTEGER NOT NULL,
			quantity        INTEGER NOT NULL,
			payment_method  TEXT NOT NULL,
			total_amount    TEXT NOT NULL,
			synced          INTEGER NOT NULL DEFAULT 0,
			remaining_stock INTEGER,
			created_at      INTEGER NOT NULL,        -- unix ms
			synced_at       INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_synced ON transactions(synced, created_at)`,

		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			type        TEXT NOT NULL,
			payload     BLOB NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			state       TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','flagged','rejected')),
			ref_id      TEXT,
			last_error  TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL         -- unix ms, FIFO order
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(state, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_type ON sync_queue(type, created_at, id)`,
		// at most one queue item per transaction
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_ref ON sync_queue(ref_id) WHERE ref_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS app_settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,                -- JSON
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
