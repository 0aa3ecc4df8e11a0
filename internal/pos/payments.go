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

// Payment directions. Received money credits the party's ledger;
// money paid out debits it.
const (
	DirectionReceived = "received"
	DirectionMade     = "made"
)

// Payment is money moving between the business and a party.
type Payment struct {
	ID         string
	CustomerID string
	JobID      string
	Amount     decimal.Decimal
	Method     string
	Direction  string
	Reference  string
	DeviceID   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SyncStatus string
}

// PaymentInput holds the fields for recording a payment.
type PaymentInput struct {
	CustomerID string
	JobID      string // optional
	Amount     decimal.Decimal
	Method     string
	Direction  string // DirectionReceived or DirectionMade
	Reference  string
	Actor      string
}

// RecordPayment records a payment: the payment row, its ledger entry,
// the job's paid_amount bump (when attached to a job), the audit row,
// and the party balance update commit atomically.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (*Payment, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", ErrIntegrityViolation)
	}
	direction := in.Direction
	if direction == "" {
		direction = DirectionReceived
	}
	if direction != DirectionReceived && direction != DirectionMade {
		return nil, fmt.Errorf("%w: unknown payment direction %q", ErrIntegrityViolation, in.Direction)
	}
	method := in.Method
	if method == "" {
		method = "cash"
	}

	id, deviceID, now, err := s.stamp(ctx)
	if err != nil {
		return nil, err
	}

	p := &Payment{
		ID:         id,
		CustomerID: in.CustomerID,
		JobID:      in.JobID,
		Amount:     in.Amount.Round(2),
		Method:     method,
		Direction:  direction,
		Reference:  in.Reference,
		DeviceID:   deviceID,
		SyncStatus: record.StatusPending,
	}
	p.CreatedAt, _ = record.ParseTime(now)
	p.UpdatedAt = p.CreatedAt

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		ok, err := exists(ctx, tx, "parties", in.CustomerID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: party %s", ErrRefNotFound, in.CustomerID)
		}
		if in.JobID != "" {
			ok, err := exists(ctx, tx, "jobs", in.JobID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: job %s", ErrRefNotFound, in.JobID)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO payments
				(id, customer_id, job_id, amount, method, direction, reference,
				 device_id, created_at, updated_at, sync_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.CustomerID, nullable(p.JobID), p.Amount.StringFixed(2),
			p.Method, p.Direction, nullable(p.Reference),
			deviceID, now, now, record.StatusPending,
		); err != nil {
			return err
		}

		lw := ledgerWrite{
			referenceType: "payments",
			referenceID:   p.ID,
			partyID:       p.CustomerID,
			notes:         p.Reference,
		}
		if direction == DirectionReceived {
			lw.entryType = EntryPaymentReceived
			lw.credit = p.Amount
		} else {
			lw.entryType = EntryPaymentMade
			lw.debit = p.Amount
		}
		if _, err := s.writeLedger(ctx, tx, deviceID, lw); err != nil {
			return err
		}

		if in.JobID != "" && direction == DirectionReceived {
			if err := bumpJobPaid(ctx, tx, in.JobID, p.Amount, now); err != nil {
				return err
			}
		}

		if err := s.recomputePartyBalance(ctx, tx, p.CustomerID, now); err != nil {
			return err
		}
		return s.writeAudit(ctx, tx, deviceID, "payment_recorded", "payments", p.ID, in.Actor,
			fmt.Sprintf("amount=%s direction=%s", p.Amount.StringFixed(2), direction))
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// bumpJobPaid adds amount to the job's paid_amount and closes the job
// once fully paid. The job reverts to PENDING for upload.
func bumpJobPaid(ctx context.Context, tx *store.Tx, jobID string, amount decimal.Decimal, now string) error {
	var paidRaw, totalRaw string
	err := tx.QueryRow(ctx,
		`SELECT paid_amount, total_amount FROM jobs WHERE id = ?`, jobID,
	).Scan(&paidRaw, &totalRaw)
	if err != nil {
		return err
	}
	paid, err := decimal.NewFromString(paidRaw)
	if err != nil {
		return err
	}
	total, err := decimal.NewFromString(totalRaw)
	if err != nil {
		return err
	}

	paid = paid.Add(amount).Round(2)
	status := "open"
	if paid.GreaterThanOrEqual(total) {
		status = "paid"
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET paid_amount = ?, status = ?, updated_at = ?, sync_status = ?
		WHERE id = ?`,
		paid.StringFixed(2), status, now, record.StatusPending, jobID,
	)
	return err
}

// GetPayment loads a payment by id, nil when absent.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	var jobID, reference sql.NullString
	var amount, createdAt, updatedAt string
	err := s.store.QueryRow(ctx, `
		SELECT id, customer_id, job_id, amount, method, direction, reference,
		       device_id, created_at, updated_at, sync_status
		FROM payments WHERE id = ?`, id,
	).Scan(&p.ID, &p.CustomerID, &jobID, &amount, &p.Method, &p.Direction,
		&reference, &p.DeviceID, &createdAt, &updatedAt, &p.SyncStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.JobID = jobID.String
	p.Reference = reference.String
	p.Amount, _ = decimal.NewFromString(amount)
	p.CreatedAt, _ = record.ParseTime(createdAt)
	p.UpdatedAt, _ = record.ParseTime(updatedAt)
	return &p, nil
}
