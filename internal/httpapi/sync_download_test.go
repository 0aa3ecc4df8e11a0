package httpapi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"testing"

	"github.com/google/uuid"
)

func decodeDownload(t *testing.T, raw []byte) downloadResp {
	t.Helper()
	var resp downloadResp
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("Failed to decode download response: %v", err)
	}
	return resp
}

func TestDownload_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	router := newTestRouter(pool)

	deviceA := uuid.NewString()
	deviceB := uuid.NewString()

	// Device A uploads three parties.
	var records []map[string]any
	for i := 0; i < 3; i++ {
		records = append(records, testRecord(uuid.NewString(), deviceA,
			fmt.Sprintf("2026-03-15T10:0%d:00Z", i),
			map[string]any{"name": fmt.Sprintf("Party %d", i), "outstanding_balance": 0.0}))
	}
	rec := makeDeviceRequest(t, router, "POST", "/sync/upload",
		uploadReq{TableName: "parties", Records: records}, deviceA)
	if rec.Code != 200 {
		t.Fatalf("Upload failed: %s", rec.Body.String())
	}

	t.Run("own rows excluded", func(t *testing.T) {
		rec := makeDeviceRequest(t, router, "GET", "/sync/download?tableName=parties&limit=100", nil, deviceA)
		resp := decodeDownload(t, rec.Body.Bytes())
		if len(resp.Records) != 0 {
			t.Errorf("Device A sees its own rows: %d", len(resp.Records))
		}
	})

	t.Run("other device sees all", func(t *testing.T) {
		rec := makeDeviceRequest(t, router, "GET", "/sync/download?tableName=parties&limit=100", nil, deviceB)
		resp := decodeDownload(t, rec.Body.Bytes())
		if len(resp.Records) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(resp.Records))
		}
		if resp.HasMore {
			t.Error("Expected hasMore=false on full page")
		}
		for _, r := range resp.Records {
			if r["server_updated_at"] == nil {
				t.Error("Record missing server_updated_at")
			}
		}
	})

	t.Run("pagination advances", func(t *testing.T) {
		rec := makeDeviceRequest(t, router, "GET", "/sync/download?tableName=parties&limit=2", nil, deviceB)
		page1 := decodeDownload(t, rec.Body.Bytes())
		if len(page1.Records) != 2 || !page1.HasMore {
			t.Fatalf("Expected 2 records with hasMore, got %d hasMore=%v", len(page1.Records), page1.HasMore)
		}
		if page1.NextCursor == "" {
			t.Fatal("Expected nextCursor on partial page")
		}

		rec = makeDeviceRequest(t, router, "GET",
			"/sync/download?tableName=parties&limit=2&since="+url.QueryEscape(page1.NextCursor), nil, deviceB)
		page2 := decodeDownload(t, rec.Body.Bytes())
		if len(page2.Records) != 1 {
			t.Fatalf("Expected 1 record on page 2, got %d", len(page2.Records))
		}
		if page2.HasMore {
			t.Error("Expected hasMore=false on final page")
		}
	})

	t.Run("since filters already seen", func(t *testing.T) {
		rec := makeDeviceRequest(t, router, "GET", "/sync/download?tableName=parties&limit=100", nil, deviceB)
		full := decodeDownload(t, rec.Body.Bytes())
		last := full.Records[len(full.Records)-1]["server_updated_at"].(string)

		rec = makeDeviceRequest(t, router, "GET",
			"/sync/download?tableName=parties&limit=100&since="+url.QueryEscape(last), nil, deviceB)
		resp := decodeDownload(t, rec.Body.Bytes())
		if len(resp.Records) != 0 {
			t.Errorf("Expected 0 records past watermark, got %d", len(resp.Records))
		}
	})

	t.Run("unknown table rejected", func(t *testing.T) {
		rec := makeDeviceRequest(t, router, "GET", "/sync/download?tableName=ghosts", nil, deviceB)
		if rec.Code != 400 {
			t.Errorf("Status = %d, want 400", rec.Code)
		}
	})
}

func TestDependencies_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	router := newTestRouter(pool)

	deviceID := uuid.NewString()
	partyID := uuid.NewString()
	jobID := uuid.NewString()
	paymentID := uuid.NewString()

	uploads := []uploadReq{
		{TableName: "parties", Records: []map[string]any{
			testRecord(partyID, deviceID, "2026-03-15T10:00:00Z",
				map[string]any{"name": "Acme", "outstanding_balance": 0.0}),
		}},
		{TableName: "jobs", Records: []map[string]any{
			testRecord(jobID, deviceID, "2026-03-15T10:01:00Z",
				map[string]any{"customer_id": partyID, "quantity": 1, "unit_price": 10.0,
					"total_amount": 10.0, "paid_amount": 0.0, "status": "open"}),
		}},
		{TableName: "payments", Records: []map[string]any{
			testRecord(paymentID, deviceID, "2026-03-15T10:02:00Z",
				map[string]any{"customer_id": partyID, "job_id": jobID, "amount": 10.0,
					"method": "cash", "direction": "received"}),
		}},
	}
	for _, u := range uploads {
		rec := makeDeviceRequest(t, router, "POST", "/sync/upload", u, deviceID)
		if rec.Code != 200 {
			t.Fatalf("Upload %s failed: %s", u.TableName, rec.Body.String())
		}
	}

	// The payment's closure spans both the job and, through it, the party.
	rec := makeDeviceRequest(t, router, "POST", "/dependencies/fetch",
		dependenciesReq{TableName: "payments", RecordIDs: []string{paymentID}}, deviceID)
	if rec.Code != 200 {
		t.Fatalf("Fetch failed: %s", rec.Body.String())
	}

	var resp dependenciesResp
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(resp.Dependencies["jobs"]) != 1 {
		t.Fatalf("Expected 1 job dependency, got %+v", resp.Dependencies)
	}
	if resp.Dependencies["jobs"][0]["id"] != jobID {
		t.Errorf("Wrong job returned: %v", resp.Dependencies["jobs"][0]["id"])
	}
	if len(resp.Dependencies["parties"]) != 1 {
		t.Fatalf("Expected 1 party dependency, got %+v", resp.Dependencies)
	}
	if resp.Dependencies["parties"][0]["server_updated_at"] == nil {
		t.Error("Dependency rows must carry server_updated_at")
	}

	// Unknown records yield an empty closure, not an error.
	rec = makeDeviceRequest(t, router, "POST", "/dependencies/fetch",
		dependenciesReq{TableName: "jobs", RecordIDs: []string{uuid.NewString()}}, deviceID)
	if rec.Code != 200 {
		t.Fatalf("Fetch failed: %s", rec.Body.String())
	}
}
