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

// Item is a sellable catalog entry.
type Item struct {
	ID         string
	Name       string
	SKU        string
	UnitPrice  decimal.Decimal
	Active     bool
	DeviceID   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SyncStatus string
}

// ItemInput holds the fields for creating a catalog item.
type ItemInput struct {
	Name      string
	SKU       string
	UnitPrice decimal.Decimal
	Actor     string
}

// ItemPatch holds updatable item fields; nil means unchanged.
type ItemPatch struct {
	Name      *string
	SKU       *string
	UnitPrice *decimal.Decimal
	Active    *bool
	Actor     string
}

// CreateItem creates a catalog item with its audit row.
func (s *Service) CreateItem(ctx context.Context, in ItemInput) (*Item, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: item name required", ErrIntegrityViolation)
	}
	if in.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: negative unit price", ErrIntegrityViolation)
	}
	id, deviceID, now, err := s.stamp(ctx)
	if err != nil {
		return nil, err
	}

	it := &Item{
		ID:         id,
		Name:       in.Name,
		SKU:        in.SKU,
		UnitPrice:  in.UnitPrice.Round(2),
		Active:     true,
		DeviceID:   deviceID,
		SyncStatus: record.StatusPending,
	}
	it.CreatedAt, _ = record.ParseTime(now)
	it.UpdatedAt = it.CreatedAt

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO catalog_items
				(id, name, sku, unit_price, active,
				 device_id, created_at, updated_at, sync_status)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)`,
			it.ID, it.Name, nullable(it.SKU), it.UnitPrice.StringFixed(2),
			deviceID, now, now, record.StatusPending,
		); err != nil {
			return err
		}
		return s.writeAudit(ctx, tx, deviceID, "item_created", "catalog_items", it.ID, in.Actor, it.Name)
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// UpdateItem applies a patch; the row reverts to PENDING.
func (s *Service) UpdateItem(ctx context.Context, id string, patch ItemPatch) (*Item, error) {
	_, deviceID, now, err := s.stamp(ctx)
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		ok, err := exists(ctx, tx, "catalog_items", id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: catalog item %s", ErrRefNotFound, id)
		}

		set := "updated_at = ?, sync_status = ?"
		args := []any{now, record.StatusPending}
		if patch.Name != nil {
			set += ", name = ?"
			args = append(args, *patch.Name)
		}
		if patch.SKU != nil {
			set += ", sku = ?"
			args = append(args, nullable(*patch.SKU))
		}
		if patch.UnitPrice != nil {
			if patch.UnitPrice.IsNegative() {
				return fmt.Errorf("%w: negative unit price", ErrIntegrityViolation)
			}
			set += ", unit_price = ?"
			args = append(args, patch.UnitPrice.StringFixed(2))
		}
		if patch.Active != nil {
			set += ", active = ?"
			args = append(args, boolInt(*patch.Active))
		}
		args = append(args, id)

		if _, err := tx.Exec(ctx, `UPDATE catalog_items SET `+set+` WHERE id = ?`, args...); err != nil {
			return err
		}
		return s.writeAudit(ctx, tx, deviceID, "item_updated", "catalog_items", id, patch.Actor, "")
	})
	if err != nil {
		return nil, err
	}
	return s.GetItem(ctx, id)
}

// GetItem loads a catalog item by id, nil when absent.
func (s *Service) GetItem(ctx context.Context, id string) (*Item, error) {
	var it Item
	var sku sql.NullString
	var price, createdAt, updatedAt string
	var active int
	err := s.store.QueryRow(ctx, `
		SELECT id, name, sku, unit_price, active,
		       device_id, created_at, updated_at, sync_status
		FROM catalog_items WHERE id = ?`, id,
	).Scan(&it.ID, &it.Name, &sku, &price, &active,
		&it.DeviceID, &createdAt, &updatedAt, &it.SyncStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it.SKU = sku.String
	it.UnitPrice, _ = decimal.NewFromString(price)
	it.Active = active != 0
	it.CreatedAt, _ = record.ParseTime(createdAt)
	it.UpdatedAt, _ = record.ParseTime(updatedAt)
	return &it, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
