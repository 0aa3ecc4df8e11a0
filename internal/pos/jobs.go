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

// Job is a unit of work sold to a party.
type Job struct {
	ID          string
	CustomerID  string
	ItemID      string
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
	TotalAmount decimal.Decimal
	PaidAmount  decimal.Decimal
	Status      string
	DeviceID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SyncStatus  string
}

// JobInput holds the fields for creating a job.
type JobInput struct {
	CustomerID  string
	ItemID      string // optional catalog reference
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
	Actor       string
}

// CreateJob creates a work unit. The job row, its JOB_CREATED ledger
// entry (debit = total), its audit row, and the party balance update
// commit atomically; a failure anywhere leaves nothing behind.
func (s *Service) CreateJob(ctx context.Context, in JobInput) (*Job, error) {
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrIntegrityViolation)
	}
	if in.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: negative unit price", ErrIntegrityViolation)
	}
	id, deviceID, now, err := s.stamp(ctx)
	if err != nil {
		return nil, err
	}

	total := in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))).Round(2)
	j := &Job{
		ID:          id,
		CustomerID:  in.CustomerID,
		ItemID:      in.ItemID,
		Description: in.Description,
		Quantity:    in.Quantity,
		UnitPrice:   in.UnitPrice.Round(2),
		TotalAmount: total,
		PaidAmount:  decimal.Zero,
		Status:      "open",
		DeviceID:    deviceID,
		SyncStatus:  record.StatusPending,
	}
	j.CreatedAt, _ = record.ParseTime(now)
	j.UpdatedAt = j.CreatedAt

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		ok, err := exists(ctx, tx, "parties", in.CustomerID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: party %s", ErrRefNotFound, in.CustomerID)
		}
		if in.ItemID != "" {
			ok, err := exists(ctx, tx, "catalog_items", in.ItemID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: catalog item %s", ErrRefNotFound, in.ItemID)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs
				(id, customer_id, item_id, description, quantity, unit_price,
				 total_amount, paid_amount, status,
				 device_id, created_at, updated_at, sync_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, '0.00', 'open', ?, ?, ?, ?)`,
			j.ID, j.CustomerID, nullable(j.ItemID), nullable(j.Description),
			j.Quantity, j.UnitPrice.StringFixed(2), j.TotalAmount.StringFixed(2),
			deviceID, now, now, record.StatusPending,
		); err != nil {
			return err
		}

		if _, err := s.writeLedger(ctx, tx, deviceID, ledgerWrite{
			entryType:     EntryJobCreated,
			referenceType: "jobs",
			referenceID:   j.ID,
			partyID:       j.CustomerID,
			debit:         total,
			notes:         in.Description,
		}); err != nil {
			return err
		}
		if err := s.recomputePartyBalance(ctx, tx, j.CustomerID, now); err != nil {
			return err
		}
		return s.writeAudit(ctx, tx, deviceID, "job_created", "jobs", j.ID, in.Actor,
			fmt.Sprintf("total=%s", total.StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob loads a job by id, nil when absent.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	var itemID, description sql.NullString
	var unitPrice, total, paid, createdAt, updatedAt string
	err := s.store.QueryRow(ctx, `
		SELECT id, customer_id, item_id, description, quantity, unit_price,
		       total_amount, paid_amount, status,
		       device_id, created_at, updated_at, sync_status
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.CustomerID, &itemID, &description, &j.Quantity, &unitPrice,
		&total, &paid, &j.Status, &j.DeviceID, &createdAt, &updatedAt, &j.SyncStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.ItemID = itemID.String
	j.Description = description.String
	j.UnitPrice, _ = decimal.NewFromString(unitPrice)
	j.TotalAmount, _ = decimal.NewFromString(total)
	j.PaidAmount, _ = decimal.NewFromString(paid)
	j.CreatedAt, _ = record.ParseTime(createdAt)
	j.UpdatedAt, _ = record.ParseTime(updatedAt)
	return &j, nil
}
