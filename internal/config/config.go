package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the device-side engine settings. Everything is
// overridable through TILLDESK_* environment variables; defaults match
// a single-store deployment talking to a server on localhost.
type Config struct {
	ServerURL      string
	StorePath      string
	BatchSize      int
	MaxRetries     int
	RequestTimeout time.Duration
	RetryBackoff   []time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL:      "http://localhost:3001",
		StorePath:      "tilldesk.db",
		BatchSize:      500,
		MaxRetries:     10,
		RequestTimeout: 30 * time.Second,
		RetryBackoff: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
		},
	}
}

// FromEnv builds a Config from the environment, falling back to defaults.
func FromEnv() Config {
	cfg := Default()

	cfg.ServerURL = env("TILLDESK_SERVER_URL", cfg.ServerURL)
	cfg.StorePath = env("TILLDESK_STORE_PATH", cfg.StorePath)

	if n, ok := envInt("TILLDESK_BATCH_SIZE"); ok && n > 0 {
		cfg.BatchSize = n
	}
	if n, ok := envInt("TILLDESK_MAX_RETRIES"); ok && n > 0 {
		cfg.MaxRetries = n
	}
	if n, ok := envInt("TILLDESK_REQUEST_TIMEOUT_MS"); ok && n > 0 {
		cfg.RequestTimeout = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("TILLDESK_RETRY_BACKOFF_MS"); v != "" {
		if steps := parseBackoff(v); len(steps) > 0 {
			cfg.RetryBackoff = steps
		}
	}

	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string) (int, bool) {
	v := os.Getenv(k)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseBackoff reads a comma-separated list of millisecond delays,
// e.g. "1000,2000,4000,8000,16000".
func parseBackoff(v string) []time.Duration {
	var steps []time.Duration
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return nil
		}
		steps = append(steps, time.Duration(n)*time.Millisecond)
	}
	return steps
}
