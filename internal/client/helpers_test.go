package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func ts(offset time.Duration) string {
	base := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	return record.FormatTime(base.Add(offset))
}

// seedParty inserts a party row directly, already SYNCED.
func seedParty(t *testing.T, st *store.Store, id string) {
	t.Helper()
	_, err := st.Exec(context.Background(), `
		INSERT INTO parties (id, name, outstanding_balance, device_id, created_at, updated_at, sync_status)
		VALUES (?, 'Seeded', '0.00', ?, ?, ?, 'SYNCED')`,
		id, uuid.NewString(), ts(0), ts(0))
	require.NoError(t, err)
}

// pendingUser inserts a PENDING users row and returns its wire record.
func pendingUser(t *testing.T, st *store.Store, name string, offset time.Duration) map[string]any {
	t.Helper()
	rec := map[string]any{
		"id":         uuid.NewString(),
		"name":       name,
		"role":       "operator",
		"device_id":  uuid.NewString(),
		"created_at": ts(offset),
		"updated_at": ts(offset),
	}
	_, err := st.Exec(context.Background(), `
		INSERT INTO users (id, name, role, device_id, created_at, updated_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, 'PENDING')`,
		rec["id"], rec["name"], rec["role"], rec["device_id"], rec["created_at"], rec["updated_at"])
	require.NoError(t, err)
	return rec
}

func syncStatusOf(t *testing.T, st *store.Store, table, id string) string {
	t.Helper()
	var status string
	require.NoError(t, st.QueryRow(context.Background(),
		`SELECT sync_status FROM `+table+` WHERE id = ?`, id).Scan(&status))
	return status
}

// fakeSync is a programmable sync server for transport-level tests.
type fakeSync struct {
	mu sync.Mutex

	// uploads records every batch received, keyed by table.
	uploads map[string][][]map[string]any
	// uploadResp builds the response for an upload batch; default acks
	// everything as synced.
	uploadResp func(table string, recs []map[string]any) UploadResult
	// pages holds canned download pages per table, served in order.
	pages map[string][]DownloadPage
	// failDownloads makes /sync/download return 500 for these tables.
	failDownloads map[string]bool
	// downloadSince records the since parameter of each download
	// request, per table.
	downloadSince map[string][]string
	// deps holds rows served by /dependencies/fetch, keyed by table.
	deps map[string][]map[string]any

	lastDeviceID string
}

func newFakeSync() *fakeSync {
	return &fakeSync{
		uploads:       make(map[string][][]map[string]any),
		pages:         make(map[string][]DownloadPage),
		failDownloads: make(map[string]bool),
		downloadSince: make(map[string][]string),
		deps:          make(map[string][]map[string]any),
	}
}

func (f *fakeSync) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDeviceID = r.Header.Get("X-Device-ID")

	switch r.URL.Path {
	case "/sync/upload":
		var req struct {
			TableName string           `json:"tableName"`
			Records   []map[string]any `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.uploads[req.TableName] = append(f.uploads[req.TableName], req.Records)

		var res UploadResult
		if f.uploadResp != nil {
			res = f.uploadResp(req.TableName, req.Records)
		} else {
			for _, rec := range req.Records {
				id, _ := rec["id"].(string)
				res.Synced = append(res.Synced, Ack{RecordID: id})
			}
		}
		writeBody(w, res)

	case "/sync/download":
		table := r.URL.Query().Get("tableName")
		f.downloadSince[table] = append(f.downloadSince[table], r.URL.Query().Get("since"))
		if f.failDownloads[table] {
			w.WriteHeader(http.StatusInternalServerError)
			writeBody(w, map[string]string{"error": "download unavailable"})
			return
		}
		pages := f.pages[table]
		if len(pages) == 0 {
			writeBody(w, DownloadPage{Records: []map[string]any{}})
			return
		}
		page := pages[0]
		f.pages[table] = pages[1:]
		writeBody(w, page)

	case "/dependencies/fetch":
		writeBody(w, map[string]any{"dependencies": f.deps})

	case "/health":
		writeBody(w, map[string]string{"status": "ok"})

	default:
		http.NotFound(w, r)
	}
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func startFakeSync(t *testing.T) (*fakeSync, *Transport) {
	t.Helper()
	f := newFakeSync()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, NewTransport(srv.URL, uuid.NewString(), 5*time.Second)
}
