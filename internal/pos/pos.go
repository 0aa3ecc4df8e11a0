// Package pos is the mutation API the point-of-sale UI calls into.
// Every mutating operation stamps sync metadata, writes its ledger and
// audit side effects in the same transaction, and leaves the touched
// rows PENDING for the sync engine to pick up.
package pos

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/store"
)

var (
	// ErrRefNotFound means a mutation referenced a row that does not
	// exist locally.
	ErrRefNotFound = errors.New("referenced record not found")

	// ErrIntegrityViolation re-exports the store's constraint error.
	ErrIntegrityViolation = store.ErrIntegrityViolation

	// ErrImmutableEntry re-exports the store's append-only guard error.
	ErrImmutableEntry = store.ErrImmutableEntry
)

// Service exposes the mutation API over the local store.
type Service struct {
	store *store.Store
}

// New creates a Service. The store must already be open.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Store exposes the underlying store for read queries.
func (s *Service) Store() *store.Store {
	return s.store
}

func (s *Service) stamp(ctx context.Context) (id, deviceID, now string, err error) {
	deviceID, err = s.store.DeviceID(ctx)
	if err != nil {
		return "", "", "", err
	}
	return uuid.NewString(), deviceID, record.FormatTime(time.Now()), nil
}

// exists reports whether a row with the given id is present in table.
// The table name comes from the record registry, never from input.
func exists(ctx context.Context, tx *store.Tx, table, id string) (bool, error) {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
