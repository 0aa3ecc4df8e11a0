package pos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/store"
)

// Ledger entry types. Every financial mutation appends exactly one of
// these; corrections append an ADJUSTMENT referencing the original.
const (
	EntryJobCreated      = "JOB_CREATED"
	EntryPaymentReceived = "PAYMENT_RECEIVED"
	EntryPaymentMade     = "PAYMENT_MADE"
	EntryExpenseRecorded = "EXPENSE_RECORDED"
	EntryAdjustment      = "ADJUSTMENT"
	EntryOpeningBalance  = "OPENING_BALANCE"
)

// LedgerEntry is one immutable row of the double-entry ledger.
type LedgerEntry struct {
	ID            string
	EntryType     string
	ReferenceType string
	ReferenceID   string
	PartyID       string // empty for the global cash ledger
	Debit         decimal.Decimal
	Credit        decimal.Decimal
	Balance       decimal.Decimal
	Notes         string
	DeviceID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ledgerWrite struct {
	entryType     string
	referenceType string
	referenceID   string
	partyID       string
	debit         decimal.Decimal
	credit        decimal.Decimal
	notes         string
}

// writeLedger appends a ledger entry inside an open transaction. The
// running balance is previous balance on the same party (or the global
// cash ledger when partyID is empty) + debit - credit, where previous
// is determined by (created_at, id) ascending order.
func (s *Service) writeLedger(ctx context.Context, tx *store.Tx, deviceID string, w ledgerWrite) (LedgerEntry, error) {
	if w.debit.IsNegative() || w.credit.IsNegative() {
		return LedgerEntry{}, fmt.Errorf("%w: negative ledger amount", ErrIntegrityViolation)
	}

	prev, err := lastBalance(ctx, tx, w.partyID)
	if err != nil {
		return LedgerEntry{}, err
	}

	e := LedgerEntry{
		ID:            uuid.NewString(),
		EntryType:     w.entryType,
		ReferenceType: w.referenceType,
		ReferenceID:   w.referenceID,
		PartyID:       w.partyID,
		Debit:         w.debit.Round(2),
		Credit:        w.credit.Round(2),
		Balance:       prev.Add(w.debit).Sub(w.credit).Round(2),
		Notes:         w.notes,
		DeviceID:      deviceID,
		CreatedAt:     time.Now().UTC(),
	}
	e.UpdatedAt = e.CreatedAt

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries
			(id, entry_type, reference_type, reference_id, party_id,
			 debit, credit, balance, notes, device_id,
			 created_at, updated_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntryType, e.ReferenceType, e.ReferenceID, nullable(e.PartyID),
		e.Debit.StringFixed(2), e.Credit.StringFixed(2), e.Balance.StringFixed(2),
		nullable(e.Notes), e.DeviceID,
		record.FormatTime(e.CreatedAt), record.FormatTime(e.UpdatedAt),
		record.StatusPending,
	)
	if err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

// lastBalance returns the running balance of the most recent ledger
// entry on the given party, zero when the ledger is empty.
func lastBalance(ctx context.Context, tx *store.Tx, partyID string) (decimal.Decimal, error) {
	var raw string
	var err error
	if partyID == "" {
		err = tx.QueryRow(ctx, `
			SELECT balance FROM ledger_entries
			WHERE party_id IS NULL
			ORDER BY created_at DESC, id DESC LIMIT 1`,
		).Scan(&raw)
	} else {
		err = tx.QueryRow(ctx, `
			SELECT balance FROM ledger_entries
			WHERE party_id = ?
			ORDER BY created_at DESC, id DESC LIMIT 1`,
			partyID,
		).Scan(&raw)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// recomputePartyBalance rewrites outstanding_balance as the sum of
// debits minus credits over the party's ledger rows. The balance is a
// materialized view; the ledger stays canonical.
func (s *Service) recomputePartyBalance(ctx context.Context, tx *store.Tx, partyID, now string) error {
	rows, err := tx.Query(ctx,
		`SELECT debit, credit FROM ledger_entries WHERE party_id = ?`, partyID)
	if err != nil {
		return err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var debit, credit string
		if err := rows.Scan(&debit, &credit); err != nil {
			return err
		}
		d, err := decimal.NewFromString(debit)
		if err != nil {
			return err
		}
		c, err := decimal.NewFromString(credit)
		if err != nil {
			return err
		}
		total = total.Add(d).Sub(c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE parties
		SET outstanding_balance = ?, updated_at = ?, sync_status = ?
		WHERE id = ?`,
		total.StringFixed(2), now, record.StatusPending, partyID,
	)
	return err
}

// RecordExpense appends an EXPENSE_RECORDED entry on the global cash
// ledger plus its audit row.
func (s *Service) RecordExpense(ctx context.Context, amount decimal.Decimal, description, actor string) (LedgerEntry, error) {
	if !amount.IsPositive() {
		return LedgerEntry{}, fmt.Errorf("%w: expense amount must be positive", ErrIntegrityViolation)
	}
	_, deviceID, _, err := s.stamp(ctx)
	if err != nil {
		return LedgerEntry{}, err
	}

	var entry LedgerEntry
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		entry, err = s.writeLedger(ctx, tx, deviceID, ledgerWrite{
			entryType:     EntryExpenseRecorded,
			referenceType: "expense",
			referenceID:   uuid.NewString(),
			credit:        amount,
			notes:         description,
		})
		if err != nil {
			return err
		}
		return s.writeAudit(ctx, tx, deviceID, "expense_recorded", "ledger_entries", entry.ID, actor,
			fmt.Sprintf("amount=%s", amount.StringFixed(2)))
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// RecordAdjustment appends an ADJUSTMENT entry correcting an existing
// ledger row. The original is never touched; the adjustment references
// it by id and carries the delta.
func (s *Service) RecordAdjustment(ctx context.Context, originalID string, debit, credit decimal.Decimal, notes, actor string) (LedgerEntry, error) {
	_, deviceID, now, err := s.stamp(ctx)
	if err != nil {
		return LedgerEntry{}, err
	}

	var entry LedgerEntry
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		var partyID sql.NullString
		err := tx.QueryRow(ctx,
			`SELECT party_id FROM ledger_entries WHERE id = ?`, originalID,
		).Scan(&partyID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: ledger entry %s", ErrRefNotFound, originalID)
		}
		if err != nil {
			return err
		}

		entry, err = s.writeLedger(ctx, tx, deviceID, ledgerWrite{
			entryType:     EntryAdjustment,
			referenceType: "ledger_entries",
			referenceID:   originalID,
			partyID:       partyID.String,
			debit:         debit,
			credit:        credit,
			notes:         notes,
		})
		if err != nil {
			return err
		}
		if partyID.Valid {
			if err := s.recomputePartyBalance(ctx, tx, partyID.String, now); err != nil {
				return err
			}
		}
		return s.writeAudit(ctx, tx, deviceID, "ledger_adjusted", "ledger_entries", originalID, actor, notes)
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// PartyLedger returns the party's ledger rows in running-balance order.
func (s *Service) PartyLedger(ctx context.Context, partyID string) ([]LedgerEntry, error) {
	rows, err := s.store.Query(ctx, `
		SELECT id, entry_type, reference_type, reference_id, party_id,
		       debit, credit, balance, notes, device_id, created_at, updated_at
		FROM ledger_entries
		WHERE party_id = ?
		ORDER BY created_at ASC, id ASC`,
		partyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var party, notes sql.NullString
		var debit, credit, balance, createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.EntryType, &e.ReferenceType, &e.ReferenceID,
			&party, &debit, &credit, &balance, &notes, &e.DeviceID,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		e.PartyID = party.String
		e.Notes = notes.String
		e.Debit, _ = decimal.NewFromString(debit)
		e.Credit, _ = decimal.NewFromString(credit)
		e.Balance, _ = decimal.NewFromString(balance)
		e.CreatedAt, _ = record.ParseTime(createdAt)
		e.UpdatedAt, _ = record.ParseTime(updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
