package pos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/store"
)

// Party is a customer (or supplier) the business trades with.
type Party struct {
	ID                 string
	Name               string
	Phone              string
	Email              string
	Address            string
	Notes              string
	OutstandingBalance decimal.Decimal
	DeviceID           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	SyncStatus         string
}

// PartyInput holds the fields for creating a party. A nonzero
// OpeningBalance seeds the party's ledger with an OPENING_BALANCE
// entry.
type PartyInput struct {
	Name           string
	Phone          string
	Email          string
	Address        string
	Notes          string
	OpeningBalance decimal.Decimal
	Actor          string
}

// PartyPatch holds updatable party fields; nil means unchanged.
type PartyPatch struct {
	Name    *string
	Phone   *string
	Email   *string
	Address *string
	Notes   *string
	Actor   string
}

// CreateParty creates a party, its optional opening-balance ledger
// entry, and its audit row atomically.
func (s *Service) CreateParty(ctx context.Context, in PartyInput) (*Party, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: party name required", ErrIntegrityViolation)
	}
	id, deviceID, now, err := s.stamp(ctx)
	if err != nil {
		return nil, err
	}

	p := &Party{
		ID:                 id,
		Name:               in.Name,
		Phone:              in.Phone,
		Email:              in.Email,
		Address:            in.Address,
		Notes:              in.Notes,
		OutstandingBalance: decimal.Zero,
		DeviceID:           deviceID,
		SyncStatus:         record.StatusPending,
	}
	p.CreatedAt, _ = record.ParseTime(now)
	p.UpdatedAt = p.CreatedAt

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO parties
				(id, name, phone, email, address, notes, outstanding_balance,
				 device_id, created_at, updated_at, sync_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, nullable(p.Phone), nullable(p.Email),
			nullable(p.Address), nullable(p.Notes), "0.00",
			deviceID, now, now, record.StatusPending,
		); err != nil {
			return err
		}

		if !in.OpeningBalance.IsZero() {
			if _, err := s.writeLedger(ctx, tx, deviceID, ledgerWrite{
				entryType:     EntryOpeningBalance,
				referenceType: "parties",
				referenceID:   p.ID,
				partyID:       p.ID,
				debit:         in.OpeningBalance,
				notes:         "opening balance",
			}); err != nil {
				return err
			}
			if err := s.recomputePartyBalance(ctx, tx, p.ID, now); err != nil {
				return err
			}
			p.OutstandingBalance = in.OpeningBalance.Round(2)
		}

		return s.writeAudit(ctx, tx, deviceID, "party_created", "parties", p.ID, in.Actor, p.Name)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateParty applies a patch. Identity fields (id, device_id,
// created_at) are never touched; the row reverts to PENDING.
func (s *Service) UpdateParty(ctx context.Context, id string, patch PartyPatch) (*Party, error) {
	_, deviceID, now, err := s.stamp(ctx)
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		ok, err := exists(ctx, tx, "parties", id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: party %s", ErrRefNotFound, id)
		}

		set := "updated_at = ?, sync_status = ?"
		args := []any{now, record.StatusPending}
		if patch.Name != nil {
			set += ", name = ?"
			args = append(args, *patch.Name)
		}
		if patch.Phone != nil {
			set += ", phone = ?"
			args = append(args, nullable(*patch.Phone))
		}
		if patch.Email != nil {
			set += ", email = ?"
			args = append(args, nullable(*patch.Email))
		}
		if patch.Address != nil {
			set += ", address = ?"
			args = append(args, nullable(*patch.Address))
		}
		if patch.Notes != nil {
			set += ", notes = ?"
			args = append(args, nullable(*patch.Notes))
		}
		args = append(args, id)

		if _, err := tx.Exec(ctx, `UPDATE parties SET `+set+` WHERE id = ?`, args...); err != nil {
			return err
		}
		return s.writeAudit(ctx, tx, deviceID, "party_updated", "parties", id, patch.Actor, "")
	})
	if err != nil {
		return nil, err
	}
	return s.GetParty(ctx, id)
}

// GetParty loads a party by id, nil when absent.
func (s *Service) GetParty(ctx context.Context, id string) (*Party, error) {
	row := s.store.QueryRow(ctx, `
		SELECT id, name, phone, email, address, notes, outstanding_balance,
		       device_id, created_at, updated_at, sync_status
		FROM parties WHERE id = ?`, id)
	p, err := scanParty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListParties returns all parties ordered by name.
func (s *Service) ListParties(ctx context.Context) ([]Party, error) {
	rows, err := s.store.Query(ctx, `
		SELECT id, name, phone, email, address, notes, outstanding_balance,
		       device_id, created_at, updated_at, sync_status
		FROM parties ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParty(r rowScanner) (*Party, error) {
	var p Party
	var phone, email, address, notes sql.NullString
	var balance, createdAt, updatedAt string
	if err := r.Scan(&p.ID, &p.Name, &phone, &email, &address, &notes,
		&balance, &p.DeviceID, &createdAt, &updatedAt, &p.SyncStatus); err != nil {
		return nil, err
	}
	p.Phone = phone.String
	p.Email = email.String
	p.Address = address.String
	p.Notes = notes.String
	p.OutstandingBalance, _ = decimal.NewFromString(balance)
	p.CreatedAt, _ = record.ParseTime(createdAt)
	p.UpdatedAt, _ = record.ParseTime(updatedAt)
	return &p, nil
}
