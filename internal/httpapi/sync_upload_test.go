package httpapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func decodeUpload(t *testing.T, body *json.Decoder) uploadResp {
	t.Helper()
	var resp uploadResp
	if err := body.Decode(&resp); err != nil {
		t.Fatalf("Failed to decode upload response: %v", err)
	}
	return resp
}

func TestUpload_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	router := newTestRouter(pool)

	deviceID := uuid.NewString()
	partyID := uuid.NewString()

	tests := []struct {
		name      string
		body      uploadReq
		checkResp func(*testing.T, uploadResp)
	}{
		{
			name: "new record synced",
			body: uploadReq{
				TableName: "parties",
				Records: []map[string]any{
					testRecord(partyID, deviceID, "2026-03-15T10:00:00Z",
						map[string]any{"name": "Acme", "outstanding_balance": 0.0}),
				},
			},
			checkResp: func(t *testing.T, resp uploadResp) {
				if resp.SyncedCount != 1 {
					t.Fatalf("Expected 1 synced, got %d (failed: %+v)", resp.SyncedCount, resp.Failed)
				}
				if resp.Synced[0].RecordID != partyID {
					t.Errorf("Wrong record acked: %s", resp.Synced[0].RecordID)
				}
			},
		},
		{
			name: "duplicate upload skipped (idempotency)",
			body: uploadReq{
				TableName: "parties",
				Records: []map[string]any{
					testRecord(partyID, deviceID, "2026-03-15T10:00:00Z",
						map[string]any{"name": "Acme", "outstanding_balance": 0.0}),
				},
			},
			checkResp: func(t *testing.T, resp uploadResp) {
				if resp.SkippedCount != 1 {
					t.Fatalf("Expected 1 skipped, got %+v", resp)
				}
				if resp.Skipped[0].Reason != "stale" {
					t.Errorf("Expected stale reason, got %q", resp.Skipped[0].Reason)
				}
			},
		},
		{
			name: "newer timestamp wins (LWW)",
			body: uploadReq{
				TableName: "parties",
				Records: []map[string]any{
					testRecord(partyID, deviceID, "2026-03-15T10:05:00Z",
						map[string]any{"name": "Acme Renamed", "outstanding_balance": 0.0}),
				},
			},
			checkResp: func(t *testing.T, resp uploadResp) {
				if resp.SyncedCount != 1 {
					t.Fatalf("Expected 1 synced, got %+v", resp)
				}
			},
		},
		{
			name: "older timestamp skipped",
			body: uploadReq{
				TableName: "parties",
				Records: []map[string]any{
					testRecord(partyID, deviceID, "2026-03-15T09:00:00Z",
						map[string]any{"name": "Stale Name", "outstanding_balance": 0.0,
							"created_at": "2026-03-15T08:00:00Z"}),
				},
			},
			checkResp: func(t *testing.T, resp uploadResp) {
				if resp.SkippedCount != 1 {
					t.Fatalf("Expected 1 skipped, got %+v", resp)
				}
			},
		},
		{
			name: "malformed record failed",
			body: uploadReq{
				TableName: "parties",
				Records: []map[string]any{
					{"name": "No Identity", "updated_at": "2026-03-15T10:00:00Z"},
				},
			},
			checkResp: func(t *testing.T, resp uploadResp) {
				if resp.FailedCount != 1 {
					t.Fatalf("Expected 1 failed, got %+v", resp)
				}
				if resp.Failed[0].Error == "" {
					t.Error("Expected error message on failed ack")
				}
			},
		},
		{
			name: "missing reference queued",
			body: uploadReq{
				TableName: "jobs",
				Records: []map[string]any{
					testRecord(uuid.NewString(), deviceID, "2026-03-15T10:00:00Z",
						map[string]any{
							"customer_id": uuid.NewString(), "quantity": 1,
							"unit_price": 10.0, "total_amount": 10.0,
							"paid_amount": 0.0, "status": "open",
						}),
				},
			},
			checkResp: func(t *testing.T, resp uploadResp) {
				if resp.QueuedCount != 1 {
					t.Fatalf("Expected 1 queued, got %+v", resp)
				}
				if len(resp.Queued[0].Missing["parties"]) != 1 {
					t.Errorf("Expected missing parties ref, got %+v", resp.Queued[0].Missing)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := makeDeviceRequest(t, router, "POST", "/sync/upload", tt.body, deviceID)
			if rec.Code != 200 {
				t.Fatalf("Status = %d, body: %s", rec.Code, rec.Body.String())
			}
			tt.checkResp(t, decodeUpload(t, json.NewDecoder(rec.Body)))
		})
	}

	// The LWW winner must be the 10:05 copy.
	var payload map[string]any
	err := pool.QueryRow(context.Background(),
		`SELECT payload FROM parties WHERE id = $1`, partyID).Scan(&payload)
	if err != nil {
		t.Fatalf("Failed to read stored party: %v", err)
	}
	if payload["name"] != "Acme Renamed" {
		t.Errorf("Stored name = %v, want Acme Renamed", payload["name"])
	}
}

func TestUploadAppendOnlyDuplicate_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	router := newTestRouter(pool)

	deviceID := uuid.NewString()
	entry := testRecord(uuid.NewString(), deviceID, "2026-03-15T10:00:00Z",
		map[string]any{
			"entry_type": "EXPENSE_RECORDED", "reference_type": "expense",
			"reference_id": uuid.NewString(), "debit": 0.0, "credit": 50.0,
			"balance": -50.0,
		})
	body := uploadReq{TableName: "ledger_entries", Records: []map[string]any{entry}}

	rec := makeDeviceRequest(t, router, "POST", "/sync/upload", body, deviceID)
	resp := decodeUpload(t, json.NewDecoder(rec.Body))
	if resp.SyncedCount != 1 {
		t.Fatalf("Expected 1 synced, got %+v", resp)
	}

	// Replay with a newer timestamp: append-only rows are never
	// rewritten, the replay is a duplicate.
	entry["updated_at"] = "2026-03-15T11:00:00Z"
	rec = makeDeviceRequest(t, router, "POST", "/sync/upload", body, deviceID)
	resp = decodeUpload(t, json.NewDecoder(rec.Body))
	if resp.SkippedCount != 1 {
		t.Fatalf("Expected 1 skipped, got %+v", resp)
	}
	if resp.Skipped[0].Reason != "duplicate" {
		t.Errorf("Expected duplicate reason, got %q", resp.Skipped[0].Reason)
	}
}

func TestUploadDeferredDrain_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	router := newTestRouter(pool)

	deviceID := uuid.NewString()
	partyID := uuid.NewString()
	jobID := uuid.NewString()

	// Job arrives before its party: queued.
	jobBody := uploadReq{
		TableName: "jobs",
		Records: []map[string]any{
			testRecord(jobID, deviceID, "2026-03-15T10:00:00Z",
				map[string]any{
					"customer_id": partyID, "quantity": 1, "unit_price": 10.0,
					"total_amount": 10.0, "paid_amount": 0.0, "status": "open",
				}),
		},
	}
	rec := makeDeviceRequest(t, router, "POST", "/sync/upload", jobBody, deviceID)
	resp := decodeUpload(t, json.NewDecoder(rec.Body))
	if resp.QueuedCount != 1 {
		t.Fatalf("Expected job queued, got %+v", resp)
	}

	// The party lands: the post-batch drain must apply the job.
	partyBody := uploadReq{
		TableName: "parties",
		Records: []map[string]any{
			testRecord(partyID, deviceID, "2026-03-15T09:00:00Z",
				map[string]any{"name": "Acme", "outstanding_balance": 10.0,
					"created_at": "2026-03-15T09:00:00Z"}),
		},
	}
	rec = makeDeviceRequest(t, router, "POST", "/sync/upload", partyBody, deviceID)
	if rec.Code != 200 {
		t.Fatalf("Party upload failed: %s", rec.Body.String())
	}

	var n int
	if err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM jobs WHERE id = $1`, jobID).Scan(&n); err != nil {
		t.Fatalf("Failed to count jobs: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected deferred job applied, found %d rows", n)
	}

	var status string
	if err := pool.QueryRow(context.Background(),
		`SELECT status FROM sync_deferred WHERE record_id = $1`, jobID).Scan(&status); err != nil {
		t.Fatalf("Failed to read deferred status: %v", err)
	}
	if status != "COMPLETED" {
		t.Errorf("Deferred status = %s, want COMPLETED", status)
	}
}
