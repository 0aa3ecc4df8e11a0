package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tilldesk/tilldesk/internal/client"
	"github.com/tilldesk/tilldesk/internal/config"
	"github.com/tilldesk/tilldesk/internal/store"
)

func main() {
	once := flag.Bool("once", false, "run a single full sync and exit")
	interval := flag.Duration("interval", time.Minute, "delay between sync rounds")
	stats := flag.Bool("stats", false, "print per-table sync status counts and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "tilldesk").Logger()
	if os.Getenv("ENV") != "prod" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg := config.FromEnv()
	ctx := context.Background()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StorePath).Msg("failed to open store")
	}
	defer st.Close()

	deviceID, err := st.DeviceID(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load device identity")
	}
	log.Info().Str("device_id", deviceID).Msg("device ready")

	status := client.NewStatus(st)
	if *stats {
		counts, err := status.Stats(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read sync stats")
		}
		for table, byStatus := range counts {
			log.Info().Str("table", table).Interface("counts", byStatus).Msg("sync status")
		}
		return
	}

	transport := client.NewTransport(cfg.ServerURL, deviceID, cfg.RequestTimeout)
	queue := client.NewDepQueue(st, transport, cfg.MaxRetries, cfg.RetryBackoff)
	orch := client.NewOrchestrator(st, transport, queue, cfg.BatchSize)

	// Offline starts are normal; the sync rounds retry on schedule.
	if err := transport.Health(ctx); err != nil {
		log.Warn().Err(err).Str("server", cfg.ServerURL).Msg("sync server not reachable yet")
	}

	if *once {
		if err := runSync(ctx, orch); err != nil {
			log.Fatal().Err(err).Msg("sync failed")
		}
		return
	}

	// Periodic loop until SIGINT/SIGTERM.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	log.Info().Dur("interval", *interval).Str("server", cfg.ServerURL).Msg("sync loop started")
	for {
		if err := runSync(sigCtx, orch); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("sync round failed")
		}
		select {
		case <-sigCtx.Done():
			log.Info().Msg("sync loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func runSync(ctx context.Context, orch *client.Orchestrator) error {
	sum, err := orch.FullSync(ctx)
	if err != nil {
		// Overlapping rounds are expected when a round outlasts the
		// interval; skip rather than fail.
		if errors.Is(err, client.ErrAlreadyInProgress) {
			log.Warn().Msg("previous sync still running, skipping round")
			return nil
		}
		return err
	}

	evt := log.Info().
		Int("uploaded", sum.Uploaded).
		Int("queued", sum.Queued).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int("downloaded", sum.Downloaded).
		Int("enqueued", sum.Enqueued)
	if len(sum.Errors) > 0 {
		for _, pe := range sum.Errors {
			log.Error().Str("table", pe.Table).Str("phase", pe.Phase).Err(pe.Err).Msg("sync phase error")
		}
		evt.Int("errors", len(sum.Errors)).Msg("sync finished with errors")
		return nil
	}
	evt.Msg("sync finished")
	return nil
}
