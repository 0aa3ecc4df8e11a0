package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
)

// Health handles GET /health. Reports degraded with a 503 when the
// database is unreachable so load balancers stop routing here.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.DB.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("health check: database unreachable")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"uptime":    time.Since(s.Start).String(),
		"timestamp": record.FormatTime(time.Now()),
	})
}
