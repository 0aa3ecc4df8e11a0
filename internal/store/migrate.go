package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// migration is one idempotent schema step. Applied names are recorded
// in schema_migrations so each runs exactly once, in declaration order.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{"0001_app_meta", `
		CREATE TABLE IF NOT EXISTS app_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`},
	{"0002_tier1_tables", `
		CREATE TABLE IF NOT EXISTS users (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			role        TEXT NOT NULL DEFAULT 'operator',
			device_id   TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (sync_status IN ('PENDING','SYNCED','FAILED'))
		);

		CREATE TABLE IF NOT EXISTS parties (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			phone               TEXT,
			email               TEXT,
			address             TEXT,
			notes               TEXT,
			outstanding_balance TEXT NOT NULL DEFAULT '0',
			device_id           TEXT NOT NULL,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,
			sync_status         TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (sync_status IN ('PENDING','SYNCED','FAILED'))
		);

		CREATE TABLE IF NOT EXISTS catalog_items (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			sku         TEXT,
			unit_price  TEXT NOT NULL DEFAULT '0',
			active      INTEGER NOT NULL DEFAULT 1,
			device_id   TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (sync_status IN ('PENDING','SYNCED','FAILED'))
		);
	`},
	{"0003_tier2_jobs", `
		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			customer_id  TEXT NOT NULL REFERENCES parties(id),
			item_id      TEXT REFERENCES catalog_items(id),
			description  TEXT,
			quantity     INTEGER NOT NULL DEFAULT 1,
			unit_price   TEXT NOT NULL DEFAULT '0',
			total_amount TEXT NOT NULL DEFAULT '0',
			paid_amount  TEXT NOT NULL DEFAULT '0',
			status       TEXT NOT NULL DEFAULT 'open',
			device_id    TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			sync_status  TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (sync_status IN ('PENDING','SYNCED','FAILED'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_customer ON jobs(customer_id);
	`},
	{"0004_tier3_payments", `
		CREATE TABLE IF NOT EXISTS payments (
			id          TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES parties(id),
			job_id      TEXT REFERENCES jobs(id),
			amount      TEXT NOT NULL,
			method      TEXT NOT NULL DEFAULT 'cash',
			direction   TEXT NOT NULL DEFAULT 'received'
				CHECK (direction IN ('received','made')),
			reference   TEXT,
			device_id   TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (sync_status IN ('PENDING','SYNCED','FAILED'))
		);

		CREATE INDEX IF NOT EXISTS idx_payments_customer ON payments(customer_id);
		CREATE INDEX IF NOT EXISTS idx_payments_job ON payments(job_id);
	`},
	{"0005_tier4_ledger", `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id             TEXT PRIMARY KEY,
			entry_type     TEXT NOT NULL CHECK (entry_type IN
				('JOB_CREATED','PAYMENT_RECEIVED','PAYMENT_MADE',
				 'EXPENSE_RECORDED','ADJUSTMENT','OPENING_BALANCE')),
			reference_type TEXT NOT NULL,
			reference_id   TEXT NOT NULL,
			party_id       TEXT REFERENCES parties(id),
			debit          TEXT NOT NULL DEFAULT '0',
			credit         TEXT NOT NULL DEFAULT '0',
			balance        TEXT NOT NULL DEFAULT '0',
			notes          TEXT,
			device_id      TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			sync_status    TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (sync_status IN ('PENDING','SYNCED','FAILED'))
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_party ON ledger_entries(party_id, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference_type, reference_id);
	`},
	{"0006_tier5_audit", `
		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			action      TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			actor       TEXT,
			details     TEXT,
			device_id   TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (sync_status IN ('PENDING','SYNCED','FAILED'))
		);
	`},
	// The append-only tables reject UPDATE and DELETE at the store
	// level. Only sync_status may change after insert; corrections are
	// expressed as new ADJUSTMENT entries.
	{"0007_immutability_triggers", `
		CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		WHEN NEW.id IS NOT OLD.id
		  OR NEW.entry_type IS NOT OLD.entry_type
		  OR NEW.reference_type IS NOT OLD.reference_type
		  OR NEW.reference_id IS NOT OLD.reference_id
		  OR NEW.party_id IS NOT OLD.party_id
		  OR NEW.debit IS NOT OLD.debit
		  OR NEW.credit IS NOT OLD.credit
		  OR NEW.balance IS NOT OLD.balance
		  OR NEW.notes IS NOT OLD.notes
		  OR NEW.device_id IS NOT OLD.device_id
		  OR NEW.created_at IS NOT OLD.created_at
		  OR NEW.updated_at IS NOT OLD.updated_at
		BEGIN
			SELECT RAISE(ABORT, 'immutable ledger entry');
		END;

		CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN
			SELECT RAISE(ABORT, 'immutable ledger entry');
		END;

		CREATE TRIGGER IF NOT EXISTS audit_log_no_update
		BEFORE UPDATE ON audit_log
		WHEN NEW.id IS NOT OLD.id
		  OR NEW.action IS NOT OLD.action
		  OR NEW.entity_type IS NOT OLD.entity_type
		  OR NEW.entity_id IS NOT OLD.entity_id
		  OR NEW.actor IS NOT OLD.actor
		  OR NEW.details IS NOT OLD.details
		  OR NEW.device_id IS NOT OLD.device_id
		  OR NEW.created_at IS NOT OLD.created_at
		  OR NEW.updated_at IS NOT OLD.updated_at
		BEGIN
			SELECT RAISE(ABORT, 'immutable audit entry');
		END;

		CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
		BEFORE DELETE ON audit_log
		BEGIN
			SELECT RAISE(ABORT, 'immutable audit entry');
		END;
	`},
	{"0008_sync_queue", `
		CREATE TABLE IF NOT EXISTS sync_queue (
			id            TEXT PRIMARY KEY,
			table_name    TEXT NOT NULL,
			record_id     TEXT NOT NULL,
			record_json   TEXT NOT NULL,
			missing_refs  TEXT NOT NULL DEFAULT '{}',
			retry_count   INTEGER NOT NULL DEFAULT 0,
			max_retries   INTEGER NOT NULL DEFAULT 10,
			status        TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (status IN ('PENDING','PROCESSING','COMPLETED','FAILED')),
			created_at    TEXT NOT NULL,
			last_retry_at TEXT,
			UNIQUE (table_name, record_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
	`},
}

// migrate applies all pending migrations in order. Each step runs in
// its own transaction with its registry row, so a crash mid-migration
// leaves the registry consistent with the schema.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migration registry: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			m.name, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Debug().Str("migration", m.name).Msg("migration applied")
	}

	return nil
}
