package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
)

// downloadResp is one page of GET /sync/download.
type downloadResp struct {
	Records    []map[string]any `json:"records"`
	HasMore    bool             `json:"hasMore"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// Download handles GET /sync/download?tableName=<t>&since=<ts>&limit=<n>.
//
// Pages through rows whose server_updated_at is strictly newer than
// since, excluding rows the calling device originated. Rows come back
// oldest first so the client's watermark only ever moves forward.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := DeviceID(ctx)

	q := r.URL.Query()
	tbl, ok := record.Lookup(q.Get("tableName"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown table %q", q.Get("tableName")))
		return
	}
	limit := parseLimit(q.Get("limit"), 500, 1000)

	since := time.Time{}
	if raw := q.Get("since"); raw != "" {
		t, ok := record.ParseTime(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = t
	}

	// One extra row decides hasMore without a second count query.
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT payload, server_updated_at
		FROM %s
		WHERE device_id <> $1 AND server_updated_at > $2
		ORDER BY server_updated_at, id
		LIMIT $3`, tbl.Name),
		deviceID, since, limit+1)
	if err != nil {
		log.Error().Err(err).Str("table", tbl.Name).Msg("download query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	defer rows.Close()

	records := make([]map[string]any, 0, limit)
	var lastServerAt time.Time
	for rows.Next() {
		var payload map[string]any
		var serverAt time.Time
		if err := rows.Scan(&payload, &serverAt); err != nil {
			log.Error().Err(err).Str("table", tbl.Name).Msg("download scan failed")
			writeError(w, http.StatusInternalServerError, "scan failed")
			return
		}
		payload["server_updated_at"] = record.FormatTime(serverAt)
		records = append(records, payload)
		lastServerAt = serverAt
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Str("table", tbl.Name).Msg("download iteration failed")
		writeError(w, http.StatusInternalServerError, "iteration failed")
		return
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
		lastRec := records[len(records)-1]
		if t, ok := record.ParseTime(lastRec["server_updated_at"]); ok {
			lastServerAt = t
		}
	}

	resp := downloadResp{Records: records, HasMore: hasMore}
	if hasMore {
		resp.NextCursor = record.FormatTime(lastServerAt)
	}
	writeJSON(w, http.StatusOK, resp)
}
