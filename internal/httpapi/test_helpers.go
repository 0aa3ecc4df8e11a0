package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tilldesk/tilldesk/internal/db"
	"github.com/tilldesk/tilldesk/internal/record"
)

// getTestDB connects to TEST_DATABASE_URL, migrates the sync schema,
// and truncates every synced table. Skips the test when unset.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	for _, name := range record.Names() {
		if _, err := pool.Exec(ctx, "DELETE FROM "+name); err != nil {
			t.Fatalf("Failed to clean table %s: %v", name, err)
		}
	}
	if _, err := pool.Exec(ctx, "DELETE FROM sync_deferred"); err != nil {
		t.Fatalf("Failed to clean sync_deferred: %v", err)
	}

	return pool
}

func newTestRouter(pool *pgxpool.Pool) http.Handler {
	srv := &Server{DB: pool, Start: time.Now()}
	return srv.Routes()
}

// makeDeviceRequest makes an HTTP request carrying a device identity.
func makeDeviceRequest(t *testing.T, router http.Handler, method, path string, body interface{}, deviceID string) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader *bytes.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", deviceID)
	req.Header.Set("X-Client-Timestamp", record.FormatTime(time.Now()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

// testRecord builds a valid wire record for the given table with sync
// metadata filled in. Extra fields override or extend the base.
func testRecord(id, deviceID, updatedAt string, extra map[string]any) map[string]any {
	rec := map[string]any{
		"id":         id,
		"device_id":  deviceID,
		"created_at": "2026-03-15T10:00:00Z",
		"updated_at": updatedAt,
	}
	for k, v := range extra {
		rec[k] = v
	}
	return rec
}
