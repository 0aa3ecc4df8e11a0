// Package httpapi is the sync server's HTTP surface: batch upload with
// per-record acknowledgments, watermark-based download pagination, and
// dependency fetch for clients resolving missing references.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	DB    *pgxpool.Pool
	Start time.Time
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the error envelope clients decode on non-2xx.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all sync endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Device-ID", "X-Client-Timestamp"},
		MaxAge:         300,
	}))

	// Health check (no device identity required)
	r.Get("/health", s.Health)

	// All sync endpoints require a device identity
	r.Group(func(r chi.Router) {
		r.Use(RequireDeviceID)

		r.Post("/sync/upload", s.Upload)
		r.Get("/sync/download", s.Download)
		r.Post("/dependencies/fetch", s.FetchDependencies)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
