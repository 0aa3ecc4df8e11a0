package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/store"
)

// PhaseError pins a sync failure to its table and phase. Errors
// accumulate; one table's failure never stops the walk.
type PhaseError struct {
	Table string
	Phase string // "upload" or "download"
	Err   error
}

func (e PhaseError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Table, e.Err)
}

// Summary reports what one sync operation accomplished. Partial
// progress is preserved even when Errors is non-empty.
type Summary struct {
	Uploaded   int
	Queued     int
	Skipped    int
	Failed     int
	Downloaded int
	Enqueued   int
	Errors     []PhaseError
}

// Orchestrator drives upload-then-download in tier order. Exactly one
// sync may run at a time per device; overlapping invocations get
// ErrAlreadyInProgress without blocking.
type Orchestrator struct {
	store     *store.Store
	status    *Status
	transport *Transport
	queue     *DepQueue
	batchSize int

	mu      sync.Mutex
	syncing bool

	// watermarks hold, per table, the newest server_updated_at applied
	// locally; they live in memory for the process lifetime. Cursors are
	// tracked per table so one table's failed download never advances
	// another past rows it has not seen.
	watermarks map[string]time.Time
}

// NewOrchestrator wires the sync engine for one device.
func NewOrchestrator(st *store.Store, transport *Transport, queue *DepQueue, batchSize int) *Orchestrator {
	return &Orchestrator{
		store:      st,
		status:     NewStatus(st),
		transport:  transport,
		queue:      queue,
		batchSize:  batchSize,
		watermarks: make(map[string]time.Time),
	}
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.syncing {
		return ErrAlreadyInProgress
	}
	o.syncing = true
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.syncing = false
	o.mu.Unlock()
}

// Watermark returns the newest server_updated_at applied across all
// tables.
func (o *Orchestrator) Watermark() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	var newest time.Time
	for _, wm := range o.watermarks {
		if wm.After(newest) {
			newest = wm
		}
	}
	return newest
}

func (o *Orchestrator) tableWatermark(table string) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watermarks[table]
}

func (o *Orchestrator) advanceWatermark(table string, seen time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seen.After(o.watermarks[table]) {
		o.watermarks[table] = seen
	}
}

// UploadPending pushes every PENDING row to the server, tier by tier.
func (o *Orchestrator) UploadPending(ctx context.Context) (*Summary, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	sum := &Summary{}
	o.uploadPending(ctx, sum)
	return sum, nil
}

// DownloadNew pulls rows newer than the watermark, tier by tier.
func (o *Orchestrator) DownloadNew(ctx context.Context) (*Summary, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	sum := &Summary{}
	o.downloadNew(ctx, sum)
	return sum, nil
}

// FullSync uploads pending rows, downloads new ones, then gives the
// dependency queue one resolution pass over anything that landed.
func (o *Orchestrator) FullSync(ctx context.Context) (*Summary, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	sum := &Summary{}
	o.uploadPending(ctx, sum)
	o.downloadNew(ctx, sum)

	if o.queue != nil && ctx.Err() == nil {
		if _, err := o.queue.Process(ctx); err != nil {
			sum.Errors = append(sum.Errors, PhaseError{Table: "sync_queue", Phase: "download", Err: err})
		}
	}
	return sum, nil
}

func (o *Orchestrator) uploadPending(ctx context.Context, sum *Summary) {
	for _, tbl := range record.Tables() {
		// Cancellation is honored at table boundaries only; rows in
		// the middle of a batch complete.
		if err := ctx.Err(); err != nil {
			sum.Errors = append(sum.Errors, PhaseError{Table: tbl.Name, Phase: "upload", Err: err})
			return
		}
		if err := o.uploadTable(ctx, tbl, sum); err != nil {
			sum.Errors = append(sum.Errors, PhaseError{Table: tbl.Name, Phase: "upload", Err: err})
		}
	}
}

func (o *Orchestrator) uploadTable(ctx context.Context, tbl record.Table, sum *Summary) error {
	// Queued rows stay PENDING locally, so page past them with an
	// offset instead of re-reading the same batch forever.
	offset := 0
	for {
		recs, err := o.status.PendingRecords(ctx, tbl.Name, o.batchSize, offset)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}

		res, err := o.transport.Upload(ctx, tbl.Name, recs)
		if err != nil {
			// Transport failures leave rows PENDING for the next sync.
			return err
		}

		syncedIDs := ackIDs(res.Synced)
		// Skips mean the server already holds this or a newer copy;
		// the local row is settled either way.
		syncedIDs = append(syncedIDs, ackIDs(res.Skipped)...)
		if err := o.status.MarkSynced(ctx, tbl.Name, syncedIDs); err != nil {
			return err
		}
		if err := o.status.MarkFailed(ctx, tbl.Name, ackIDs(res.Failed)); err != nil {
			return err
		}

		sum.Uploaded += len(res.Synced)
		sum.Skipped += len(res.Skipped)
		sum.Queued += len(res.Queued)
		sum.Failed += len(res.Failed)
		offset += len(res.Queued)

		log.Debug().Str("table", tbl.Name).
			Int("synced", len(res.Synced)).Int("queued", len(res.Queued)).
			Int("skipped", len(res.Skipped)).Int("failed", len(res.Failed)).
			Msg("upload batch acknowledged")

		if len(recs) < o.batchSize {
			return nil
		}
	}
}

func (o *Orchestrator) downloadNew(ctx context.Context, sum *Summary) {
	for _, tbl := range record.Tables() {
		if err := ctx.Err(); err != nil {
			sum.Errors = append(sum.Errors, PhaseError{Table: tbl.Name, Phase: "download", Err: err})
			break
		}
		tableMax, err := o.downloadTable(ctx, tbl, o.tableWatermark(tbl.Name), sum)
		if err != nil {
			// A failed download aborts pagination for this table but
			// proceeds to the next.
			sum.Errors = append(sum.Errors, PhaseError{Table: tbl.Name, Phase: "download", Err: err})
		}
		// Rows arrive in server_updated_at order and tableMax covers
		// only applied ones, so the cursor commits even after a failure
		// without skipping anything.
		o.advanceWatermark(tbl.Name, tableMax)
	}
}

func (o *Orchestrator) downloadTable(ctx context.Context, tbl record.Table, since time.Time, sum *Summary) (time.Time, error) {
	cursor := since
	maxSeen := since

	for {
		sinceParam := ""
		if !cursor.IsZero() {
			sinceParam = record.FormatTime(cursor)
		}
		page, err := o.transport.Download(ctx, tbl.Name, sinceParam, o.batchSize)
		if err != nil {
			return maxSeen, err
		}

		for _, rec := range page.Records {
			serverAt, err := o.applyDownloaded(ctx, tbl, rec, sum)
			if err != nil {
				return maxSeen, err
			}
			if serverAt.After(maxSeen) {
				maxSeen = serverAt
			}
		}

		if !page.HasMore {
			return maxSeen, nil
		}
		next, ok := record.ParseTime(page.NextCursor)
		if !ok || !next.After(cursor) {
			// Defend against a stuck cursor; pagination must advance.
			return maxSeen, fmt.Errorf("download cursor did not advance for %s", tbl.Name)
		}
		cursor = next
	}
}

// applyDownloaded ingests one downloaded record: insert when absent,
// overwrite when strictly newer, enqueue when a foreign key is not yet
// satisfiable locally.
func (o *Orchestrator) applyDownloaded(ctx context.Context, tbl record.Table, rec map[string]any, sum *Summary) (time.Time, error) {
	serverAt, _ := record.ParseTime(rec["server_updated_at"])

	meta, err := record.Validate(tbl, rec)
	if err != nil {
		log.Warn().Str("table", tbl.Name).Err(err).Msg("dropping malformed downloaded record")
		return serverAt, nil
	}
	// The server filters out our own rows; tolerate echoes anyway
	// (e.g. after a watermark reset) by letting the timestamp
	// comparison below keep the newer local copy.
	stripped := record.Strip(tbl, rec)

	localRaw, present, err := localUpdatedAt(ctx, o.store, tbl, meta.ID.String())
	if err != nil {
		return serverAt, err
	}

	if !present {
		err := insertRecord(ctx, o.store, tbl, stripped)
		if errors.Is(err, store.ErrForeignKey) {
			missing, mErr := missingRefs(ctx, o.store, tbl, stripped)
			if mErr != nil {
				return serverAt, mErr
			}
			if qErr := o.queue.Enqueue(ctx, tbl.Name, meta.ID.String(), stripped, missing); qErr != nil {
				return serverAt, qErr
			}
			sum.Enqueued++
			return serverAt, nil
		}
		if err != nil {
			return serverAt, err
		}
		if err := refreshPartyBalance(ctx, o.store, tbl, stripped); err != nil {
			return serverAt, err
		}
		sum.Downloaded++
		return serverAt, nil
	}

	localAt, _ := record.ParseTime(localRaw)
	if !meta.UpdatedAt.After(localAt) {
		return serverAt, nil
	}
	if tbl.AppendOnly {
		// Existing immutable rows are never rewritten.
		return serverAt, nil
	}
	if err := overwriteRecord(ctx, o.store, tbl, stripped); err != nil {
		return serverAt, err
	}
	sum.Downloaded++
	return serverAt, nil
}

func ackIDs(acks []Ack) []string {
	if len(acks) == 0 {
		return nil
	}
	out := make([]string, 0, len(acks))
	for _, a := range acks {
		if a.RecordID != "" {
			out = append(out, a.RecordID)
		}
	}
	return out
}
