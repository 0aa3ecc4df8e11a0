package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/store"
)

// Queue item lifecycle.
const (
	QueuePending    = "PENDING"
	QueueProcessing = "PROCESSING"
	QueueCompleted  = "COMPLETED"
	QueueFailed     = "FAILED"
)

// completedRetention is how long COMPLETED items are kept before purge.
const completedRetention = 7 * 24 * time.Hour

// QueueItem is one held record whose foreign-key prerequisites were
// absent when it arrived.
type QueueItem struct {
	ID          string
	Table       string
	RecordID    string
	Record      map[string]any
	Missing     map[string][]string
	RetryCount  int
	MaxRetries  int
	Status      string
	CreatedAt   time.Time
	LastRetryAt time.Time
}

// DepQueue is the durable local hold for downloaded records blocked on
// missing references. It lives in the same store (and transactional
// domain) as the data it feeds.
type DepQueue struct {
	store      *store.Store
	transport  *Transport // nil disables server dependency fetch
	maxRetries int
	steps      []time.Duration
}

// NewDepQueue creates the queue. backoffSteps paces Drain between
// resolution passes; maxRetries bounds attempts per item.
func NewDepQueue(st *store.Store, transport *Transport, maxRetries int, backoffSteps []time.Duration) *DepQueue {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	if len(backoffSteps) == 0 {
		backoffSteps = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	}
	return &DepQueue{store: st, transport: transport, maxRetries: maxRetries, steps: backoffSteps}
}

// Enqueue holds a record until its references arrive. Re-enqueuing the
// same (table, record) is idempotent: it bumps the retry count and
// refreshes the serialized blob.
func (q *DepQueue) Enqueue(ctx context.Context, table, recordID string, rec map[string]any, missing map[string][]string) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialize queued record: %w", err)
	}
	if missing == nil {
		missing = map[string][]string{}
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("serialize missing refs: %w", err)
	}

	now := record.FormatTime(time.Now())
	_, err = q.store.Exec(ctx, `
		INSERT INTO sync_queue
			(id, table_name, record_id, record_json, missing_refs,
			 retry_count, max_retries, status, created_at, last_retry_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, NULL)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			record_json  = excluded.record_json,
			missing_refs = excluded.missing_refs,
			retry_count  = sync_queue.retry_count + 1,
			status       = ?,
			last_retry_at = ?`,
		uuid.NewString(), table, recordID, string(recJSON), string(missingJSON),
		q.maxRetries, QueuePending, now,
		QueuePending, now,
	)
	if err != nil {
		return err
	}
	log.Debug().Str("table", table).Str("recordId", recordID).Msg("record enqueued for dependency resolution")
	return nil
}

// Process makes one resolution pass in tier order: for each pending
// item, fetch any still-missing references from the server, try the
// insert, and transition the item. Resolved inserts may unblock later
// items, so the pass cascades until no further progress is made.
// Returns the number of items completed.
func (q *DepQueue) Process(ctx context.Context) (int, error) {
	// Rows left PROCESSING by an interrupted pass or a crash would
	// otherwise never be revisited.
	if err := q.recoverStalled(ctx); err != nil {
		return 0, err
	}

	total := 0
	for {
		n, err := q.processPass(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	if err := q.purgeCompleted(ctx); err != nil {
		return total, err
	}
	return total, nil
}

func (q *DepQueue) processPass(ctx context.Context) (int, error) {
	items, err := q.itemsByStatus(ctx, QueuePending)
	if err != nil {
		return 0, err
	}
	// Tier order gives lower-tier prerequisites a chance to land
	// before the items that need them.
	sort.SliceStable(items, func(i, j int) bool {
		ti, _ := record.Lookup(items[i].Table)
		tj, _ := record.Lookup(items[j].Table)
		return ti.Tier < tj.Tier
	})

	resolved := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		done, err := q.resolve(ctx, item)
		if err != nil {
			return resolved, err
		}
		if done {
			resolved++
		}
	}
	return resolved, nil
}

func (q *DepQueue) resolve(ctx context.Context, item QueueItem) (bool, error) {
	tbl, ok := record.Lookup(item.Table)
	if !ok {
		return false, q.fail(ctx, item, "unknown table")
	}

	if err := q.setStatus(ctx, item.ID, QueueProcessing); err != nil {
		return false, err
	}

	missing, err := missingRefs(ctx, q.store, tbl, item.Record)
	if err != nil {
		return false, err
	}

	if len(missing) > 0 && q.transport != nil {
		if err := q.fetchMissing(ctx, item); err != nil {
			log.Warn().Err(err).Str("table", item.Table).Str("recordId", item.RecordID).
				Msg("dependency fetch failed")
		}
		missing, err = missingRefs(ctx, q.store, tbl, item.Record)
		if err != nil {
			return false, err
		}
	}

	if len(missing) == 0 {
		err := insertRecord(ctx, q.store, tbl, item.Record)
		switch {
		case err == nil,
			errors.Is(err, store.ErrIntegrityViolation): // row arrived through another path
			if err := refreshPartyBalance(ctx, q.store, tbl, item.Record); err != nil {
				return false, err
			}
			if err := q.complete(ctx, item.ID); err != nil {
				return false, err
			}
			log.Info().Str("table", item.Table).Str("recordId", item.RecordID).
				Msg("queued record resolved")
			return true, nil
		case errors.Is(err, store.ErrForeignKey):
			// Race: a reference vanished between check and insert.
		default:
			return false, err
		}
	}

	return false, q.retryOrFail(ctx, item, missing)
}

// fetchMissing pulls the transitive dependency closure for the item
// from the server and inserts whatever is still absent, tier order
// first so referenced rows land before referrers.
func (q *DepQueue) fetchMissing(ctx context.Context, item QueueItem) error {
	deps, err := q.transport.FetchDependencies(ctx, item.Table, []string{item.RecordID})
	if err != nil {
		return err
	}

	for _, tbl := range record.Tables() {
		rows, ok := deps[tbl.Name]
		if !ok {
			continue
		}
		for _, rec := range rows {
			meta, err := record.Validate(tbl, rec)
			if err != nil {
				continue
			}
			if _, present, err := localUpdatedAt(ctx, q.store, tbl, meta.ID.String()); err != nil {
				return err
			} else if present {
				continue
			}
			if err := insertRecord(ctx, q.store, tbl, record.Strip(tbl, rec)); err != nil {
				// A closure row can itself be blocked; later passes
				// will retry the item that needs it.
				log.Debug().Err(err).Str("table", tbl.Name).Msg("dependency row not insertable yet")
			}
		}
	}
	return nil
}

func (q *DepQueue) retryOrFail(ctx context.Context, item QueueItem, missing map[string][]string) error {
	missingJSON, _ := json.Marshal(missing)
	retries := item.RetryCount + 1
	status := QueuePending
	if retries >= item.MaxRetries {
		status = QueueFailed
		log.Error().Str("table", item.Table).Str("recordId", item.RecordID).
			Int("retries", retries).Msg("dependency queue item exhausted")
	}
	_, err := q.store.Exec(ctx, `
		UPDATE sync_queue
		SET retry_count = ?, status = ?, missing_refs = ?, last_retry_at = ?
		WHERE id = ?`,
		retries, status, string(missingJSON), record.FormatTime(time.Now()), item.ID,
	)
	return err
}

func (q *DepQueue) fail(ctx context.Context, item QueueItem, reason string) error {
	log.Error().Str("table", item.Table).Str("recordId", item.RecordID).Str("reason", reason).
		Msg("dependency queue item failed")
	return q.setStatus(ctx, item.ID, QueueFailed)
}

// complete stamps last_retry_at so the purge window runs from
// completion, not from enqueue.
func (q *DepQueue) complete(ctx context.Context, id string) error {
	_, err := q.store.Exec(ctx,
		`UPDATE sync_queue SET status = ?, last_retry_at = ? WHERE id = ?`,
		QueueCompleted, record.FormatTime(time.Now()), id)
	return err
}

func (q *DepQueue) setStatus(ctx context.Context, id, status string) error {
	_, err := q.store.Exec(ctx,
		`UPDATE sync_queue SET status = ? WHERE id = ?`, status, id)
	return err
}

func (q *DepQueue) recoverStalled(ctx context.Context) error {
	_, err := q.store.Exec(ctx,
		`UPDATE sync_queue SET status = ? WHERE status = ?`,
		QueuePending, QueueProcessing)
	return err
}

// Drain runs resolution passes paced by exponential backoff until the
// queue holds no pending items or the context ends. Items that hit
// their retry limit are left FAILED for the operator; Drain reports
// them through ErrQueueExhausted.
func (q *DepQueue) Drain(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.steps[0]
	bo.MaxInterval = q.steps[len(q.steps)-1]
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		n, err := q.Process(ctx)
		if err != nil {
			return err
		}

		pending, err := q.countByStatus(ctx, QueuePending)
		if err != nil {
			return err
		}
		if pending == 0 {
			failed, err := q.countByStatus(ctx, QueueFailed)
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d items need manual intervention", ErrQueueExhausted, failed)
			}
			return nil
		}
		if n > 0 {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Items returns queue entries with the given status, oldest first.
func (q *DepQueue) Items(ctx context.Context, status string) ([]QueueItem, error) {
	return q.itemsByStatus(ctx, status)
}

func (q *DepQueue) itemsByStatus(ctx context.Context, status string) ([]QueueItem, error) {
	rows, err := q.store.Query(ctx, `
		SELECT id, table_name, record_id, record_json, missing_refs,
		       retry_count, max_retries, status, created_at, last_retry_at
		FROM sync_queue WHERE status = ? ORDER BY created_at, id`,
		status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var recJSON, missingJSON, createdAt string
		var lastRetry sql.NullString
		if err := rows.Scan(&it.ID, &it.Table, &it.RecordID, &recJSON, &missingJSON,
			&it.RetryCount, &it.MaxRetries, &it.Status, &createdAt, &lastRetry); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recJSON), &it.Record); err != nil {
			return nil, fmt.Errorf("corrupt queued record %s: %w", it.ID, err)
		}
		if err := json.Unmarshal([]byte(missingJSON), &it.Missing); err != nil {
			return nil, fmt.Errorf("corrupt missing refs %s: %w", it.ID, err)
		}
		it.CreatedAt, _ = record.ParseTime(createdAt)
		if lastRetry.Valid {
			it.LastRetryAt, _ = record.ParseTime(lastRetry.String)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (q *DepQueue) countByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := q.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, status).Scan(&n)
	return n, err
}

// purgeCompleted drops COMPLETED items whose completion is older than
// the retention window.
func (q *DepQueue) purgeCompleted(ctx context.Context) error {
	cutoff := record.FormatTime(time.Now().Add(-completedRetention))
	_, err := q.store.Exec(ctx, `
		DELETE FROM sync_queue
		WHERE status = ? AND COALESCE(last_retry_at, created_at) < ?`,
		QueueCompleted, cutoff)
	return err
}
