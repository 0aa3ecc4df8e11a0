package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
)

// pgQuerier is the subset of pool and transaction used by the upsert
// and reference-check helpers.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// deferRecord parks an uploaded record whose references have not
// reached the server yet. Re-deferring the same (table, record, device)
// bumps the retry count and refreshes the payload.
func (s *Server) deferRecord(ctx context.Context, q pgQuerier, table string, meta record.Meta, stripped map[string]any, missing map[string][]string) error {
	payload, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("serialize deferred payload: %w", err)
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("serialize missing refs: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO sync_deferred
			(id, table_name, record_id, device_id, payload, missing_refs)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (table_name, record_id, device_id) DO UPDATE SET
			payload       = EXCLUDED.payload,
			missing_refs  = EXCLUDED.missing_refs,
			retry_count   = sync_deferred.retry_count + 1,
			status        = 'PENDING',
			last_retry_at = now()`,
		uuid.New(), table, meta.ID, meta.DeviceID, payload, missingJSON,
	)
	return err
}

type deferredItem struct {
	ID         uuid.UUID
	Table      string
	RecordID   uuid.UUID
	DeviceID   uuid.UUID
	Payload    map[string]any
	RetryCount int
	MaxRetries int
}

// drainDeferred retries every pending deferred record whose references
// may have arrived, lowest tier first, cascading until a pass resolves
// nothing. Returns the number of records applied.
func (s *Server) drainDeferred(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.drainPass(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	if err := s.purgeDeferred(ctx); err != nil {
		return total, err
	}
	return total, nil
}

func (s *Server) drainPass(ctx context.Context) (int, error) {
	items, err := s.pendingDeferred(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, item := range items {
		tbl, ok := record.Lookup(item.Table)
		if !ok {
			// Schema drift; nothing will ever resolve this.
			if err := s.setDeferredStatus(ctx, item.ID, "FAILED"); err != nil {
				return resolved, err
			}
			continue
		}

		missing, err := s.missingServerRefs(ctx, s.DB, tbl, item.Payload)
		if err != nil {
			return resolved, err
		}
		if len(missing) > 0 {
			if err := s.bumpDeferred(ctx, item, missing); err != nil {
				return resolved, err
			}
			continue
		}

		meta, err := record.ExtractMeta(item.Payload)
		if err != nil {
			if err := s.setDeferredStatus(ctx, item.ID, "FAILED"); err != nil {
				return resolved, err
			}
			continue
		}
		if _, err := upsertRecord(ctx, s.DB, tbl, meta, item.Payload); err != nil {
			return resolved, err
		}
		if err := s.setDeferredStatus(ctx, item.ID, "COMPLETED"); err != nil {
			return resolved, err
		}
		log.Info().Str("table", item.Table).Str("record_id", item.RecordID.String()).
			Msg("deferred record applied")
		resolved++
	}
	return resolved, nil
}

func (s *Server) pendingDeferred(ctx context.Context) ([]deferredItem, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, table_name, record_id, device_id, payload, retry_count, max_retries
		FROM sync_deferred
		WHERE status = 'PENDING'
		ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []deferredItem
	for rows.Next() {
		var it deferredItem
		if err := rows.Scan(&it.ID, &it.Table, &it.RecordID, &it.DeviceID,
			&it.Payload, &it.RetryCount, &it.MaxRetries); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Lower tiers first so prerequisite rows land before referrers.
	sort.SliceStable(items, func(i, j int) bool {
		ti, _ := record.Lookup(items[i].Table)
		tj, _ := record.Lookup(items[j].Table)
		return ti.Tier < tj.Tier
	})
	return items, nil
}

func (s *Server) bumpDeferred(ctx context.Context, item deferredItem, missing map[string][]string) error {
	missingJSON, _ := json.Marshal(missing)
	status := "PENDING"
	if item.RetryCount+1 >= item.MaxRetries {
		status = "FAILED"
		log.Error().Str("table", item.Table).Str("record_id", item.RecordID.String()).
			Int("retries", item.RetryCount+1).Msg("deferred record exhausted retries")
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE sync_deferred
		SET retry_count = retry_count + 1, status = $1, missing_refs = $2, last_retry_at = now()
		WHERE id = $3`,
		status, missingJSON, item.ID)
	return err
}

func (s *Server) setDeferredStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE sync_deferred SET status = $1, last_retry_at = now() WHERE id = $2`,
		status, id)
	return err
}

// purgeDeferred drops items resolved more than seven days ago.
// setDeferredStatus stamps last_retry_at on completion, so the window
// runs from when the record was applied, not when it was parked.
func (s *Server) purgeDeferred(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM sync_deferred
		WHERE status = 'COMPLETED'
		  AND COALESCE(last_retry_at, created_at) < now() - interval '7 days'`)
	return err
}
