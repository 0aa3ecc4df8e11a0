// Package store owns the device-local SQLite file: schema migrations,
// the transaction scope used by every mutation, and the device identity
// record. All other packages reach the database through this one.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotInitialized is returned when the store is used before Open.
	ErrNotInitialized = errors.New("store not initialized")

	// ErrImmutableEntry is returned when an UPDATE or DELETE hits one of
	// the append-only tables and the guard trigger aborts the statement.
	ErrImmutableEntry = errors.New("immutable entry")

	// ErrIntegrityViolation is returned for constraint failures other
	// than foreign keys (CHECK, NOT NULL, UNIQUE).
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrForeignKey is returned when a write references a row that is
	// not present locally.
	ErrForeignKey = errors.New("foreign key constraint")
)

// Store is the embedded relational store for one device.
type Store struct {
	db *sql.DB

	deviceID string // cached after first read, never mutated
}

// Open opens (or creates) the store file, enables WAL and foreign-key
// enforcement, and applies any pending migrations. Use ":memory:" for
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single connection keeps SQLite's locking simple; writes from the
	// UI thread and the sync loop serialize here.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	log.Debug().Str("path", path).Msg("store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	return s.db.Close()
}

// Exec runs a single statement and returns the affected row count.
func (s *Store) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotInitialized
	}
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	return res.RowsAffected()
}

// Query runs a query returning rows.
func (s *Store) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db.QueryContext(ctx, stmt, args...)
}

// QueryRow runs a query expected to return at most one row.
func (s *Store) QueryRow(ctx context.Context, stmt string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, stmt, args...)
}

// Tx is the handle passed to InTx callbacks. Statements issued through
// it are part of the same all-or-nothing scope.
type Tx struct {
	tx *sql.Tx
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	return res.RowsAffected()
}

// Query runs a query inside the transaction.
func (t *Tx) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, stmt, args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, stmt string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, stmt, args...)
}

// InTx runs fn inside a database transaction. If fn returns an error
// the transaction is rolled back and no partial effect is observable.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// mapSQLiteErr translates driver errors into the store's error kinds.
// The immutability triggers abort with a message starting "immutable",
// which SQLite surfaces as a generic error rather than a constraint.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", ErrForeignKey, err)
		case se.Code == sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
		}
	}
	if strings.Contains(err.Error(), "immutable") {
		return fmt.Errorf("%w: %v", ErrImmutableEntry, err)
	}
	return err
}
