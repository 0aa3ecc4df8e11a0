package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DeviceID returns this installation's device identifier. It is chosen
// once at first call on a fresh store, persisted in app_meta, and never
// mutates afterwards. The value is cached in memory after the first
// read.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrNotInitialized
	}
	if s.deviceID != "" {
		return s.deviceID, nil
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_meta WHERE key = 'device_id'`,
	).Scan(&id)

	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		// INSERT OR IGNORE so a concurrent first call cannot produce
		// two identities; whoever lost the race re-reads the winner.
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO app_meta (key, value) VALUES ('device_id', ?)`, id,
		); err != nil {
			return "", fmt.Errorf("persist device id: %w", err)
		}
		if err := s.db.QueryRowContext(ctx,
			`SELECT value FROM app_meta WHERE key = 'device_id'`,
		).Scan(&id); err != nil {
			return "", fmt.Errorf("read device id: %w", err)
		}
		log.Info().Str("deviceId", id).Msg("device identity initialized")
	case err != nil:
		return "", fmt.Errorf("read device id: %w", err)
	}

	s.deviceID = id
	return id, nil
}
