package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/store"
)

// scanRecord reads the current row into a wire record keyed by column
// name. Amount columns stored as decimal strings become JSON numbers.
func scanRecord(tbl record.Table, rows *sql.Rows) (map[string]any, error) {
	vals := make([]any, len(tbl.Columns))
	ptrs := make([]any, len(tbl.Columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	rec := make(map[string]any, len(tbl.Columns))
	for i, col := range tbl.Columns {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if v == nil {
			continue
		}
		if tbl.IsDecimal(col) {
			d, ok := record.ParseDecimal(v)
			if !ok {
				return nil, fmt.Errorf("table %s column %s: bad amount %v", tbl.Name, col, v)
			}
			f, _ := d.Float64()
			v = f
		}
		rec[col] = v
	}
	return rec, nil
}

// bindValues converts a stripped wire record into SQL arguments in the
// table's column order, followed by the sync status.
func bindValues(tbl record.Table, rec map[string]any, syncStatus string) []any {
	args := make([]any, 0, len(tbl.Columns)+1)
	for _, col := range tbl.Columns {
		v, ok := rec[col]
		if !ok || v == nil {
			args = append(args, nil)
			continue
		}
		if tbl.IsDecimal(col) {
			if d, ok := record.ParseDecimal(v); ok {
				args = append(args, d.StringFixed(2))
				continue
			}
		}
		switch x := v.(type) {
		case bool:
			args = append(args, boolInt(x))
		default:
			args = append(args, x)
		}
	}
	return append(args, syncStatus)
}

// insertRecord writes a downloaded record into the local store with
// the given sync status. Foreign-key failures surface as
// store.ErrForeignKey so the caller can enqueue instead.
func insertRecord(ctx context.Context, st *store.Store, tbl record.Table, rec map[string]any) error {
	cols := strings.Join(tbl.Columns, ", ")
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(tbl.Columns)+1), ", ")
	stmt := fmt.Sprintf(
		`INSERT INTO %s (%s, sync_status) VALUES (%s)`, tbl.Name, cols, marks,
	)
	_, err := st.Exec(ctx, stmt, bindValues(tbl, rec, record.StatusSynced)...)
	return err
}

// overwriteRecord replaces every column except id with the incoming
// values. Only called after the strict updated_at comparison.
func overwriteRecord(ctx context.Context, st *store.Store, tbl record.Table, rec map[string]any) error {
	var sets []string
	var args []any
	for _, col := range tbl.Columns {
		if col == "id" {
			continue
		}
		sets = append(sets, col+" = ?")
		v := rec[col]
		if v == nil {
			args = append(args, nil)
			continue
		}
		if tbl.IsDecimal(col) {
			if d, ok := record.ParseDecimal(v); ok {
				args = append(args, d.StringFixed(2))
				continue
			}
		}
		if b, ok := v.(bool); ok {
			args = append(args, boolInt(b))
			continue
		}
		args = append(args, v)
	}
	sets = append(sets, "sync_status = ?")
	args = append(args, record.StatusSynced)
	args = append(args, rec["id"])

	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, tbl.Name, strings.Join(sets, ", "))
	_, err := st.Exec(ctx, stmt, args...)
	return err
}

// refreshPartyBalance rewrites outstanding_balance from the party's
// local ledger rows after a downloaded entry lands. The balance is
// derived state, not a local edit, so the party row's updated_at and
// sync_status stay untouched.
func refreshPartyBalance(ctx context.Context, st *store.Store, tbl record.Table, rec map[string]any) error {
	if tbl.Name != "ledger_entries" {
		return nil
	}
	partyID, ok := record.GetString(rec, "party_id")
	if !ok || partyID == "" {
		return nil
	}

	rows, err := st.Query(ctx,
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

	_, err = st.Exec(ctx,
		`UPDATE parties SET outstanding_balance = ? WHERE id = ?`,
		total.StringFixed(2), partyID)
	return err
}

// localUpdatedAt returns the row's updated_at, or ok=false when the id
// is absent locally.
func localUpdatedAt(ctx context.Context, st *store.Store, tbl record.Table, id string) (string, bool, error) {
	var raw string
	err := st.QueryRow(ctx, fmt.Sprintf(
		`SELECT updated_at FROM %s WHERE id = ?`, tbl.Name,
	), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}

// missingRefs checks the record's referenced rows against the local
// store and returns referenced_table -> missing ids for any absent.
func missingRefs(ctx context.Context, st *store.Store, tbl record.Table, rec map[string]any) (map[string][]string, error) {
	refs := record.RefIDs(tbl, rec)
	if len(refs) == 0 {
		return nil, nil
	}
	missing := make(map[string][]string)
	for refTable, id := range refs {
		var one int
		err := st.QueryRow(ctx, fmt.Sprintf(
			`SELECT 1 FROM %s WHERE id = ?`, refTable,
		), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			missing[refTable] = append(missing[refTable], id)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return missing, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
