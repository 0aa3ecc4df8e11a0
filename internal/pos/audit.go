package pos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/store"
)

// writeAudit appends an audit row inside an open transaction. Audit
// rows reference entities textually so the table carries no dependency
// edges.
func (s *Service) writeAudit(ctx context.Context, tx *store.Tx, deviceID, action, entityType, entityID, actor, details string) error {
	now := record.FormatTime(time.Now())
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log
			(id, action, entity_type, entity_id, actor, details,
			 device_id, created_at, updated_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), action, entityType, entityID,
		nullable(actor), nullable(details),
		deviceID, now, now, record.StatusPending,
	)
	return err
}
