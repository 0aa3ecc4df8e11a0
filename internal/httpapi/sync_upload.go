package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
)

// uploadReq is the request body for POST /sync/upload.
type uploadReq struct {
	TableName string           `json:"tableName"`
	Records   []map[string]any `json:"records"`
}

// uploadAck is a per-record acknowledgment in upload responses.
type uploadAck struct {
	RecordID string              `json:"recordId"`
	Missing  map[string][]string `json:"missing,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// uploadResp partitions the batch into disjoint outcomes.
type uploadResp struct {
	Synced       []uploadAck `json:"synced"`
	Queued       []uploadAck `json:"queued"`
	Skipped      []uploadAck `json:"skipped"`
	Failed       []uploadAck `json:"failed"`
	SyncedCount  int         `json:"syncedCount"`
	QueuedCount  int         `json:"queuedCount"`
	SkippedCount int         `json:"skippedCount"`
	FailedCount  int         `json:"failedCount"`
}

// Upload handles POST /sync/upload.
//
// Each record is upserted keyed by (id, device_id) with last-write-wins
// on updated_at. The strict > comparison makes duplicate uploads
// idempotent: a record with the same timestamp leaves the stored row
// untouched and comes back as skipped. Records referencing rows the
// server has not seen yet are parked in the deferred queue and
// acknowledged as queued.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req uploadReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid upload request body")
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	tbl, ok := record.Lookup(req.TableName)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown table %q", req.TableName))
		return
	}

	resp := uploadResp{
		Synced:  []uploadAck{},
		Queued:  []uploadAck{},
		Skipped: []uploadAck{},
		Failed:  []uploadAck{},
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to begin transaction")
		writeError(w, http.StatusInternalServerError, "transaction error")
		return
	}
	defer tx.Rollback(ctx)

	for _, rec := range req.Records {
		ack, outcome := s.applyUpload(ctx, tx, tbl, rec)
		switch outcome {
		case outcomeSynced:
			resp.Synced = append(resp.Synced, ack)
		case outcomeQueued:
			resp.Queued = append(resp.Queued, ack)
		case outcomeSkipped:
			resp.Skipped = append(resp.Skipped, ack)
		case outcomeFailed:
			resp.Failed = append(resp.Failed, ack)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("failed to commit upload batch")
		writeError(w, http.StatusInternalServerError, "commit failed")
		return
	}

	// Newly arrived rows may unblock deferred records from any device.
	if n, err := s.drainDeferred(ctx); err != nil {
		log.Error().Err(err).Msg("deferred queue drain failed")
	} else if n > 0 {
		log.Info().Int("resolved", n).Msg("deferred records resolved")
	}

	resp.SyncedCount = len(resp.Synced)
	resp.QueuedCount = len(resp.Queued)
	resp.SkippedCount = len(resp.Skipped)
	resp.FailedCount = len(resp.Failed)
	writeJSON(w, http.StatusOK, resp)
}

type uploadOutcome int

const (
	outcomeSynced uploadOutcome = iota
	outcomeQueued
	outcomeSkipped
	outcomeFailed
)

func (s *Server) applyUpload(ctx context.Context, tx pgQuerier, tbl record.Table, rec map[string]any) (uploadAck, uploadOutcome) {
	meta, err := record.Validate(tbl, rec)
	if err != nil {
		log.Warn().Err(err).Str("table", tbl.Name).Msg("rejecting malformed record")
		id, _ := record.GetString(rec, "id")
		return uploadAck{RecordID: id, Error: err.Error()}, outcomeFailed
	}
	stripped := record.Strip(tbl, rec)
	ack := uploadAck{RecordID: meta.ID.String()}

	missing, err := s.missingServerRefs(ctx, tx, tbl, stripped)
	if err != nil {
		ack.Error = "reference check failed"
		log.Error().Err(err).Str("table", tbl.Name).Str("record_id", ack.RecordID).
			Msg("reference check failed")
		return ack, outcomeFailed
	}
	if len(missing) > 0 {
		if err := s.deferRecord(ctx, tx, tbl.Name, meta, stripped, missing); err != nil {
			ack.Error = "defer failed"
			log.Error().Err(err).Str("table", tbl.Name).Str("record_id", ack.RecordID).
				Msg("failed to defer record")
			return ack, outcomeFailed
		}
		ack.Missing = missing
		return ack, outcomeQueued
	}

	applied, err := upsertRecord(ctx, tx, tbl, meta, stripped)
	if err != nil {
		ack.Error = err.Error()
		log.Error().Err(err).Str("table", tbl.Name).Str("record_id", ack.RecordID).
			Msg("failed to upsert record")
		return ack, outcomeFailed
	}
	if !applied {
		if tbl.AppendOnly {
			ack.Reason = "duplicate"
		} else {
			ack.Reason = "stale"
		}
		return ack, outcomeSkipped
	}
	return ack, outcomeSynced
}

// upsertRecord writes one record keyed by (id, device_id). Returns
// false when the stored row already holds the same or a newer copy.
func upsertRecord(ctx context.Context, tx pgQuerier, tbl record.Table, meta record.Meta, stripped map[string]any) (bool, error) {
	payload, err := json.Marshal(stripped)
	if err != nil {
		return false, fmt.Errorf("serialize payload: %w", err)
	}

	var stmt string
	if tbl.AppendOnly {
		// Append-only tables never rewrite; a replay is a no-op.
		stmt = fmt.Sprintf(`
			INSERT INTO %s (id, device_id, created_at, updated_at, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id, device_id) DO NOTHING`, tbl.Name)
	} else {
		stmt = fmt.Sprintf(`
			INSERT INTO %s (id, device_id, created_at, updated_at, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id, device_id) DO UPDATE SET
				payload           = EXCLUDED.payload,
				updated_at        = EXCLUDED.updated_at,
				server_updated_at = clock_timestamp()
			WHERE EXCLUDED.updated_at > %s.updated_at`, tbl.Name, tbl.Name)
	}

	tag, err := tx.Exec(ctx, stmt, meta.ID, meta.DeviceID, meta.CreatedAt, meta.UpdatedAt, payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// missingServerRefs checks the record's references against the synced
// tables, across all devices, and reports any absent rows.
func (s *Server) missingServerRefs(ctx context.Context, tx pgQuerier, tbl record.Table, rec map[string]any) (map[string][]string, error) {
	refs := record.RefIDs(tbl, rec)
	if len(refs) == 0 {
		return nil, nil
	}
	missing := make(map[string][]string)
	for refTable, id := range refs {
		refID, err := uuid.Parse(id)
		if err != nil {
			missing[refTable] = append(missing[refTable], id)
			continue
		}
		var exists bool
		err = tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, refTable,
		), refID).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing[refTable] = append(missing[refTable], id)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return missing, nil
}
