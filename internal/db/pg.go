// Package db owns the sync server's PostgreSQL pool and schema. Every
// synced table stores the client payload as JSONB keyed by
// (id, device_id), with a server-assigned server_updated_at driving
// download pagination.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
)

// Open creates a new PostgreSQL connection pool.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	// Connection pool configuration
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// Migrate creates the synced tables and the deferred queue. Idempotent;
// runs at server start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	// clock_timestamp() keeps cursors distinct for rows written in the
	// same transaction; now() would stamp a whole batch identically and
	// break pagination across ties.
	for _, tbl := range record.Tables() {
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id                UUID        NOT NULL,
				device_id         UUID        NOT NULL,
				created_at        TIMESTAMPTZ NOT NULL,
				updated_at        TIMESTAMPTZ NOT NULL,
				server_updated_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
				payload           JSONB       NOT NULL,
				PRIMARY KEY (id, device_id)
			)`, tbl.Name)
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", tbl.Name, err)
		}
		idx := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_server_updated_at ON %s (server_updated_at, id)`,
			tbl.Name, tbl.Name)
		if _, err := pool.Exec(ctx, idx); err != nil {
			return fmt.Errorf("index table %s: %w", tbl.Name, err)
		}
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_deferred (
			id            UUID        PRIMARY KEY,
			table_name    TEXT        NOT NULL,
			record_id     UUID        NOT NULL,
			device_id     UUID        NOT NULL,
			payload       JSONB       NOT NULL,
			missing_refs  JSONB       NOT NULL DEFAULT '{}',
			retry_count   INTEGER     NOT NULL DEFAULT 0,
			max_retries   INTEGER     NOT NULL DEFAULT 10,
			status        TEXT        NOT NULL DEFAULT 'PENDING'
				CHECK (status IN ('PENDING', 'COMPLETED', 'FAILED')),
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_retry_at TIMESTAMPTZ,
			UNIQUE (table_name, record_id, device_id)
		)`)
	if err != nil {
		return fmt.Errorf("create sync_deferred: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_sync_deferred_status ON sync_deferred (status)`); err != nil {
		return fmt.Errorf("index sync_deferred: %w", err)
	}

	log.Info().Msg("sync schema ready")
	return nil
}
