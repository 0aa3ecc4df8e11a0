package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
)

// Ack identifies one record in an upload response. Missing is set for
// queued records; Reason for skips; Error for failures.
type Ack struct {
	RecordID string              `json:"recordId"`
	Missing  map[string][]string `json:"missing,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// UploadResult partitions an uploaded batch into disjoint outcomes.
type UploadResult struct {
	Synced       []Ack `json:"synced"`
	Queued       []Ack `json:"queued"`
	Skipped      []Ack `json:"skipped"`
	Failed       []Ack `json:"failed"`
	SyncedCount  int   `json:"syncedCount"`
	QueuedCount  int   `json:"queuedCount"`
	SkippedCount int   `json:"skippedCount"`
	FailedCount  int   `json:"failedCount"`
}

// DownloadPage is one page of the download pagination.
type DownloadPage struct {
	Records    []map[string]any `json:"records"`
	HasMore    bool             `json:"hasMore"`
	NextCursor string           `json:"nextCursor"`
}

// Transport is the synchronous JSON request/response codec between a
// device and the sync server. Every request carries the device
// identity and the wall clock at send; there are no retries at this
// layer.
type Transport struct {
	baseURL  string
	deviceID string
	http     *http.Client
}

// NewTransport creates a transport bound to one device identity.
func NewTransport(baseURL, deviceID string, timeout time.Duration) *Transport {
	return &Transport{
		baseURL:  baseURL,
		deviceID: deviceID,
		http:     &http.Client{Timeout: timeout},
	}
}

// Upload POSTs a batch of pending records for one table.
func (t *Transport) Upload(ctx context.Context, table string, records []map[string]any) (*UploadResult, error) {
	body := map[string]any{"tableName": table, "records": records}
	var out UploadResult
	if err := t.do(ctx, http.MethodPost, "/sync/upload", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download GETs one page of records newer than since, excluding rows
// this device originated.
func (t *Transport) Download(ctx context.Context, table, since string, limit int) (*DownloadPage, error) {
	q := url.Values{}
	q.Set("tableName", table)
	q.Set("limit", strconv.Itoa(limit))
	if since != "" {
		q.Set("since", since)
	}
	var out DownloadPage
	if err := t.do(ctx, http.MethodGet, "/sync/download", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchDependencies asks the server for every row the named records
// depend on, transitively across tiers.
func (t *Transport) FetchDependencies(ctx context.Context, table string, recordIDs []string) (map[string][]map[string]any, error) {
	body := map[string]any{"tableName": table, "recordIds": recordIDs}
	var out struct {
		Dependencies map[string][]map[string]any `json:"dependencies"`
	}
	if err := t.do(ctx, http.MethodPost, "/dependencies/fetch", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Dependencies, nil
}

// Health probes server liveness.
func (t *Transport) Health(ctx context.Context) error {
	return t.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (t *Transport) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", t.deviceID)
	req.Header.Set("X-Client-Timestamp", record.FormatTime(time.Now()))

	resp, err := t.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", ErrRequestTimeout, method, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetworkUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		var errBody struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		log.Warn().Int("status", resp.StatusCode).Str("path", path).Str("message", msg).
			Msg("server rejected request")
		return &ServerError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	return false
}
