package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/record"
)

type contextKey string

const deviceIDKey contextKey = "deviceId"

// clockSkewTolerance is how far a device clock may drift from the
// server before the request gets flagged in the logs. Skew is logged,
// never rejected; conflict resolution runs on record timestamps.
const clockSkewTolerance = 30 * time.Second

// RequireDeviceID validates the X-Device-ID header and puts the device
// identity on the request context. It also compares X-Client-Timestamp
// against the server clock and logs notable drift.
func RequireDeviceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := uuid.Parse(r.Header.Get("X-Device-ID"))
		if err != nil || deviceID == uuid.Nil {
			writeError(w, http.StatusBadRequest, "missing or invalid X-Device-ID header")
			return
		}

		if ts := r.Header.Get("X-Client-Timestamp"); ts != "" {
			if sent, ok := record.ParseTime(ts); ok {
				skew := time.Since(sent)
				if skew < -clockSkewTolerance || skew > clockSkewTolerance {
					log.Warn().
						Str("device_id", deviceID.String()).
						Dur("skew", skew).
						Msg("device clock drifts from server")
				}
			}
		}

		ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)

		// Device identity tags every log line for the request.
		logger := log.With().Str("device_id", deviceID.String()).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DeviceID returns the device identity from the request context.
func DeviceID(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(deviceIDKey).(uuid.UUID)
	return id
}
