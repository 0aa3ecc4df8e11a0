package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
)

// dependenciesReq is the request body for POST /dependencies/fetch.
type dependenciesReq struct {
	TableName string   `json:"tableName"`
	RecordIDs []string `json:"recordIds"`
}

// dependenciesResp carries every row the named records depend on,
// transitively, grouped by table.
type dependenciesResp struct {
	Dependencies map[string][]map[string]any `json:"dependencies"`
}

// FetchDependencies handles POST /dependencies/fetch.
//
// A client that received a record before its referenced rows asks here
// for the closure: the referenced rows, the rows those reference, and
// so on down the tiers.
func (s *Server) FetchDependencies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req dependenciesReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	tbl, ok := record.Lookup(req.TableName)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown table %q", req.TableName))
		return
	}
	if len(req.RecordIDs) == 0 {
		writeJSON(w, http.StatusOK, dependenciesResp{Dependencies: map[string][]map[string]any{}})
		return
	}

	out := make(map[string][]map[string]any)
	seen := make(map[string]bool)
	for _, raw := range req.RecordIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		if err := s.collectDependencies(ctx, tbl, id, seen, out); err != nil {
			log.Error().Err(err).Str("table", tbl.Name).Str("record_id", raw).
				Msg("dependency walk failed")
			writeError(w, http.StatusInternalServerError, "dependency lookup failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, dependenciesResp{Dependencies: out})
}

// collectDependencies walks the referential edges of one record and
// accumulates the referenced rows, depth first. The starting record
// itself is not included; the caller already has it.
func (s *Server) collectDependencies(ctx context.Context, tbl record.Table, id uuid.UUID, seen map[string]bool, out map[string][]map[string]any) error {
	rec, _, err := s.fetchRow(ctx, tbl, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	for col, refName := range tbl.Refs {
		raw, ok := record.GetString(rec, col)
		if !ok || raw == "" {
			continue
		}
		refID, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		key := refName + "/" + raw
		if seen[key] {
			continue
		}
		seen[key] = true

		refTbl, ok := record.Lookup(refName)
		if !ok {
			continue
		}
		refRec, serverAt, err := s.fetchRow(ctx, refTbl, refID)
		if err != nil {
			return err
		}
		if refRec == nil {
			// The reference is absent server-side too; the client's
			// queue will retry later.
			continue
		}
		withMeta := make(map[string]any, len(refRec)+1)
		for k, v := range refRec {
			withMeta[k] = v
		}
		withMeta["server_updated_at"] = record.FormatTime(serverAt)
		out[refName] = append(out[refName], withMeta)

		if err := s.collectDependencies(ctx, refTbl, refID, seen, out); err != nil {
			return err
		}
	}
	return nil
}

// fetchRow returns the newest copy of a record by id across devices,
// or nil when no device has uploaded it.
func (s *Server) fetchRow(ctx context.Context, tbl record.Table, id uuid.UUID) (map[string]any, time.Time, error) {
	var payload map[string]any
	var serverAt time.Time
	err := s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT payload, server_updated_at
		FROM %s
		WHERE id = $1
		ORDER BY updated_at DESC
		LIMIT 1`, tbl.Name),
		id).Scan(&payload, &serverAt)
	if err == pgx.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return payload, serverAt, nil
}
