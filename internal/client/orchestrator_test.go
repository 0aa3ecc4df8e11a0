package client

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilldesk/tilldesk/internal/store"
)

func newOrchestrator(t *testing.T, st *store.Store, f *fakeSync, tr *Transport) *Orchestrator {
	t.Helper()
	queue := NewDepQueue(st, tr, 10, nil)
	return NewOrchestrator(st, tr, queue, 10)
}

func wireUser(name string, offset time.Duration) map[string]any {
	return map[string]any{
		"id":                uuid.NewString(),
		"name":              name,
		"role":              "operator",
		"device_id":         uuid.NewString(),
		"created_at":        ts(0),
		"updated_at":        ts(offset),
		"server_updated_at": ts(offset + time.Second),
	}
}

func wireJob(customerID string, offset time.Duration) map[string]any {
	return map[string]any{
		"id":                uuid.NewString(),
		"customer_id":       customerID,
		"quantity":          float64(1),
		"unit_price":        10.0,
		"total_amount":      10.0,
		"paid_amount":       0.0,
		"status":            "open",
		"device_id":         uuid.NewString(),
		"created_at":        ts(0),
		"updated_at":        ts(offset),
		"server_updated_at": ts(offset + time.Second),
	}
}

func wireLedgerEntry(partyID string, debit, credit float64, offset time.Duration) map[string]any {
	return map[string]any{
		"id":                uuid.NewString(),
		"entry_type":        "JOB_CREATED",
		"reference_type":    "jobs",
		"reference_id":      uuid.NewString(),
		"party_id":          partyID,
		"debit":             debit,
		"credit":            credit,
		"balance":           debit - credit,
		"device_id":         uuid.NewString(),
		"created_at":        ts(offset),
		"updated_at":        ts(offset),
		"server_updated_at": ts(offset + time.Second),
	}
}

func TestSyncSingleFlight(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)

	require.NoError(t, o.begin())
	defer o.end()

	_, err := o.UploadPending(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
	_, err = o.DownloadNew(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
	_, err = o.FullSync(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
}

func TestUploadPartitionsAcks(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)
	ctx := context.Background()

	synced := pendingUser(t, st, "synced", 0)
	failed := pendingUser(t, st, "failed", time.Second)
	queued := pendingUser(t, st, "queued", 2*time.Second)
	skipped := pendingUser(t, st, "skipped", 3*time.Second)

	f.uploadResp = func(table string, recs []map[string]any) UploadResult {
		var res UploadResult
		for _, rec := range recs {
			id := rec["id"].(string)
			switch id {
			case synced["id"]:
				res.Synced = append(res.Synced, Ack{RecordID: id})
			case failed["id"]:
				res.Failed = append(res.Failed, Ack{RecordID: id, Error: "bad record"})
			case queued["id"]:
				res.Queued = append(res.Queued, Ack{RecordID: id,
					Missing: map[string][]string{"parties": {"x"}}})
			case skipped["id"]:
				res.Skipped = append(res.Skipped, Ack{RecordID: id, Reason: "stale"})
			}
		}
		return res
	}

	sum, err := o.UploadPending(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Uploaded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Queued)
	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, sum.Errors)

	assert.Equal(t, "SYNCED", syncStatusOf(t, st, "users", synced["id"].(string)))
	assert.Equal(t, "FAILED", syncStatusOf(t, st, "users", failed["id"].(string)))
	// Queued rows stay pending until the server resolves them.
	assert.Equal(t, "PENDING", syncStatusOf(t, st, "users", queued["id"].(string)))
	// A skip means the server already holds this copy or newer.
	assert.Equal(t, "SYNCED", syncStatusOf(t, st, "users", skipped["id"].(string)))
}

func TestUploadTransportFailureLeavesPending(t *testing.T) {
	st := newTestStore(t)
	tr := NewTransport("http://127.0.0.1:1", uuid.NewString(), 200*time.Millisecond)
	o := NewOrchestrator(st, tr, NewDepQueue(st, tr, 10, nil), 10)

	rec := pendingUser(t, st, "stuck", 0)
	sum, err := o.UploadPending(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, sum.Errors)
	assert.Equal(t, "PENDING", syncStatusOf(t, st, "users", rec["id"].(string)))
}

func TestDownloadInsertsNewRecords(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)

	incoming := wireUser("remote", time.Minute)
	f.pages["users"] = []DownloadPage{{Records: []map[string]any{incoming}}}

	sum, err := o.DownloadNew(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Downloaded)
	assert.Empty(t, sum.Errors)
	// Downloaded rows arrive settled; they never re-upload.
	assert.Equal(t, "SYNCED", syncStatusOf(t, st, "users", incoming["id"].(string)))
	assert.False(t, o.Watermark().IsZero())
}

func TestDownloadFailureKeepsFailedTableCursor(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)
	ctx := context.Background()

	user := wireUser("remote", time.Hour)
	f.pages["users"] = []DownloadPage{{Records: []map[string]any{user}}}
	f.failDownloads["parties"] = true

	sum, err := o.DownloadNew(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Downloaded)
	require.NotEmpty(t, sum.Errors)
	assert.Equal(t, "parties", sum.Errors[0].Table)

	// Next round: users resumes past its cursor, but the failed table
	// must start from scratch or its rows are lost for good.
	f.failDownloads["parties"] = false
	_, err = o.DownloadNew(ctx)
	require.NoError(t, err)

	require.Len(t, f.downloadSince["parties"], 2)
	assert.Empty(t, f.downloadSince["parties"][0])
	assert.Empty(t, f.downloadSince["parties"][1])
	require.Len(t, f.downloadSince["users"], 2)
	assert.NotEmpty(t, f.downloadSince["users"][1])
}

func TestDownloadRecomputesPartyBalance(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)
	ctx := context.Background()

	partyID := uuid.NewString()
	seedParty(t, st, partyID)
	f.pages["ledger_entries"] = []DownloadPage{{Records: []map[string]any{
		wireLedgerEntry(partyID, 25, 0, time.Minute),
		wireLedgerEntry(partyID, 0, 10, 2*time.Minute),
	}}}

	sum, err := o.DownloadNew(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Downloaded)

	var balance string
	require.NoError(t, st.QueryRow(ctx,
		`SELECT outstanding_balance FROM parties WHERE id = ?`, partyID).Scan(&balance))
	assert.Equal(t, "15.00", balance)
	// Derived state only; the party row is not a fresh local edit.
	assert.Equal(t, "SYNCED", syncStatusOf(t, st, "parties", partyID))
}

func TestDownloadLastWriteWins(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)
	ctx := context.Background()

	local := pendingUser(t, st, "local", 10*time.Minute)

	older := wireUser("older", time.Minute)
	older["id"] = local["id"]
	newer := wireUser("newer", 20*time.Minute)
	newer["id"] = local["id"]

	// Older copy first: local row must survive.
	f.pages["users"] = []DownloadPage{{Records: []map[string]any{older}}}
	_, err := o.DownloadNew(ctx)
	require.NoError(t, err)

	var name string
	require.NoError(t, st.QueryRow(ctx,
		`SELECT name FROM users WHERE id = ?`, local["id"]).Scan(&name))
	assert.Equal(t, "local", name)

	// Strictly newer copy: overwrite.
	f.pages["users"] = []DownloadPage{{Records: []map[string]any{newer}}}
	_, err = o.DownloadNew(ctx)
	require.NoError(t, err)

	require.NoError(t, st.QueryRow(ctx,
		`SELECT name FROM users WHERE id = ?`, local["id"]).Scan(&name))
	assert.Equal(t, "newer", name)
	assert.Equal(t, "SYNCED", syncStatusOf(t, st, "users", local["id"].(string)))
}

func TestDownloadEnqueuesMissingReference(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)

	job := wireJob(uuid.NewString(), time.Minute)
	f.pages["jobs"] = []DownloadPage{{Records: []map[string]any{job}}}

	sum, err := o.DownloadNew(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Enqueued)
	assert.Zero(t, sum.Downloaded)

	items, err := o.queue.Items(context.Background(), QueuePending)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "jobs", items[0].Table)
	assert.Equal(t, job["id"], items[0].RecordID)
	assert.Contains(t, items[0].Missing, "parties")
}

func TestDownloadDropsMalformedRecords(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)

	bad := wireUser("bad", time.Minute)
	delete(bad, "device_id")
	good := wireUser("good", 2*time.Minute)
	f.pages["users"] = []DownloadPage{{Records: []map[string]any{bad, good}}}

	sum, err := o.DownloadNew(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Downloaded)
	assert.Empty(t, sum.Errors)
	assert.Equal(t, "SYNCED", syncStatusOf(t, st, "users", good["id"].(string)))
}

func TestDownloadStuckCursorFails(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)

	rec := wireUser("loop", time.Minute)
	// hasMore with a cursor that does not advance must abort the table.
	f.pages["users"] = []DownloadPage{
		{Records: []map[string]any{rec}, HasMore: true, NextCursor: ""},
	}

	sum, err := o.DownloadNew(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sum.Errors)
	assert.Equal(t, "users", sum.Errors[0].Table)
}

func TestFullSyncRunsQueuePass(t *testing.T) {
	st := newTestStore(t)
	f, tr := startFakeSync(t)
	o := newOrchestrator(t, st, f, tr)
	ctx := context.Background()

	// A job blocked on a party the dependency endpoint can supply.
	party := map[string]any{
		"id":                  uuid.NewString(),
		"name":                "Remote Party",
		"outstanding_balance": 0.0,
		"device_id":           uuid.NewString(),
		"created_at":          ts(0),
		"updated_at":          ts(time.Minute),
		"server_updated_at":   ts(2 * time.Minute),
	}
	job := wireJob(party["id"].(string), time.Minute)
	f.pages["jobs"] = []DownloadPage{{Records: []map[string]any{job}}}
	f.deps["parties"] = []map[string]any{party}

	sum, err := o.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Enqueued)

	// The queue pass fetched the party and applied the job.
	assert.Equal(t, "SYNCED", syncStatusOf(t, st, "jobs", job["id"].(string)))
	assert.Equal(t, "SYNCED", syncStatusOf(t, st, "parties", party["id"].(string)))

	items, err := o.queue.Items(ctx, QueueCompleted)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
