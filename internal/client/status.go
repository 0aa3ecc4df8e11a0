package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/store"
)

// Status holds the sync utilities: the only primitives the
// orchestrator uses to observe and advance local sync state.
type Status struct {
	store *store.Store
}

// NewStatus creates the sync-state helper over an open store.
func NewStatus(st *store.Store) *Status {
	return &Status{store: st}
}

// PendingRecords returns up to limit PENDING rows of the table as wire
// records, skipping the first offset of them. Amount columns come back
// as JSON numbers.
func (s *Status) PendingRecords(ctx context.Context, table string, limit, offset int) ([]map[string]any, error) {
	tbl, ok := record.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	stmt := fmt.Sprintf(
		`SELECT %s FROM %s WHERE sync_status = ? ORDER BY updated_at, id LIMIT ? OFFSET ?`,
		strings.Join(tbl.Columns, ", "), tbl.Name,
	)
	rows, err := s.store.Query(ctx, stmt, record.StatusPending, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		rec, err := scanRecord(tbl, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSynced transitions the given rows to SYNCED.
func (s *Status) MarkSynced(ctx context.Context, table string, ids []string) error {
	return s.transition(ctx, table, ids, record.StatusSynced)
}

// MarkFailed transitions the given rows to FAILED.
func (s *Status) MarkFailed(ctx context.Context, table string, ids []string) error {
	return s.transition(ctx, table, ids, record.StatusFailed)
}

func (s *Status) transition(ctx context.Context, table string, ids []string, status string) error {
	if len(ids) == 0 {
		return nil
	}
	tbl, ok := record.Lookup(table)
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, status)
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.store.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET sync_status = ? WHERE id IN (%s)`, tbl.Name, placeholders,
	), args...)
	return err
}

// ResetFailed returns all FAILED rows of the table to PENDING so the
// next sync retries them. Returns the number of rows reset.
func (s *Status) ResetFailed(ctx context.Context, table string) (int64, error) {
	tbl, ok := record.Lookup(table)
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	return s.store.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET sync_status = ? WHERE sync_status = ?`, tbl.Name,
	), record.StatusPending, record.StatusFailed)
}

// Stats aggregates row counts per table per sync status.
func (s *Status) Stats(ctx context.Context) (map[string]map[string]int, error) {
	out := make(map[string]map[string]int)
	for _, tbl := range record.Tables() {
		rows, err := s.store.Query(ctx, fmt.Sprintf(
			`SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status`, tbl.Name,
		))
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int)
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, err
			}
			counts[status] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		out[tbl.Name] = counts
	}
	return out, nil
}
