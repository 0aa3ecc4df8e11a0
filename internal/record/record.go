// Package record describes the synchronized tables: their columns,
// dependency tier, referential edges, and the sync metadata discipline
// every row carries. Both sides of the wire — the device engine and the
// server — drive their SQL and their validation off this registry.
package record

import "sort"

// Sync status lifecycle for a local row. The value is local-only and is
// never transmitted as authoritative.
const (
	StatusPending = "PENDING"
	StatusSynced  = "SYNCED"
	StatusFailed  = "FAILED"
)

// Server-only or local-only fields stripped from any write path.
var strippedFields = []string{"server_updated_at", "sync_status"}

// Table describes one synchronized table.
type Table struct {
	Name string
	// Tier is the position in the fixed topological order. A row in
	// tier N references only rows in tiers <= N.
	Tier int
	// Columns is the full ordered column list, metadata included.
	Columns []string
	// Refs maps a column to the table it references.
	Refs map[string]string
	// Required lists domain columns that must be present and non-empty
	// on ingest.
	Required []string
	// Decimals lists columns carried as fixed-point amounts
	// (serialized as JSON numbers with two fractional digits).
	Decimals []string
	// AppendOnly tables accept inserts only; the server never updates
	// them and the local store rejects UPDATE/DELETE by trigger.
	AppendOnly bool
}

var tables = []Table{
	{
		Name:     "users",
		Tier:     1,
		Columns:  []string{"id", "name", "role", "device_id", "created_at", "updated_at"},
		Required: []string{"name"},
	},
	{
		Name: "parties",
		Tier: 1,
		Columns: []string{
			"id", "name", "phone", "email", "address", "notes",
			"outstanding_balance", "device_id", "created_at", "updated_at",
		},
		Required: []string{"name"},
		Decimals: []string{"outstanding_balance"},
	},
	{
		Name: "catalog_items",
		Tier: 1,
		Columns: []string{
			"id", "name", "sku", "unit_price", "active",
			"device_id", "created_at", "updated_at",
		},
		Required: []string{"name"},
		Decimals: []string{"unit_price"},
	},
	{
		Name: "jobs",
		Tier: 2,
		Columns: []string{
			"id", "customer_id", "item_id", "description", "quantity",
			"unit_price", "total_amount", "paid_amount", "status",
			"device_id", "created_at", "updated_at",
		},
		Refs: map[string]string{
			"customer_id": "parties",
			"item_id":     "catalog_items",
		},
		Required: []string{"customer_id"},
		Decimals: []string{"unit_price", "total_amount", "paid_amount"},
	},
	{
		Name: "payments",
		Tier: 3,
		Columns: []string{
			"id", "customer_id", "job_id", "amount", "method",
			"direction", "reference", "device_id", "created_at", "updated_at",
		},
		Refs: map[string]string{
			"customer_id": "parties",
			"job_id":      "jobs",
		},
		Required: []string{"customer_id", "amount"},
		Decimals: []string{"amount"},
	},
	{
		Name: "ledger_entries",
		Tier: 4,
		Columns: []string{
			"id", "entry_type", "reference_type", "reference_id",
			"party_id", "debit", "credit", "balance", "notes",
			"device_id", "created_at", "updated_at",
		},
		Refs: map[string]string{
			"party_id": "parties",
		},
		Required:   []string{"entry_type", "reference_type", "reference_id"},
		Decimals:   []string{"debit", "credit", "balance"},
		AppendOnly: true,
	},
	{
		// Audit rows reference other entities textually only, so the
		// table sits above everything without dependency edges.
		Name: "audit_log",
		Tier: 5,
		Columns: []string{
			"id", "action", "entity_type", "entity_id", "actor",
			"details", "device_id", "created_at", "updated_at",
		},
		Required:   []string{"action", "entity_type", "entity_id"},
		AppendOnly: true,
	},
}

var byName = func() map[string]Table {
	m := make(map[string]Table, len(tables))
	for _, t := range tables {
		m[t.Name] = t
	}
	return m
}()

// Tables returns every synchronized table in tier order. Ties within a
// tier keep declaration order; both upload and download walk this
// order so foreign keys are satisfied before their referrers.
func Tables() []Table {
	out := make([]Table, len(tables))
	copy(out, tables)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}

// Lookup returns the descriptor for a table name.
func Lookup(name string) (Table, bool) {
	t, ok := byName[name]
	return t, ok
}

// Names returns all synchronized table names in tier order.
func Names() []string {
	ts := Tables()
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return out
}

// HasColumn reports whether the table carries the named column.
func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// IsDecimal reports whether the column carries a fixed-point amount.
func (t Table) IsDecimal(name string) bool {
	for _, c := range t.Decimals {
		if c == name {
			return true
		}
	}
	return false
}
