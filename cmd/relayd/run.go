package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/meet-audio-relay/internal/archive"
	"github.com/skypro1111/meet-audio-relay/internal/audio"
	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/capture"
	"github.com/skypro1111/meet-audio-relay/internal/config"
	"github.com/skypro1111/meet-audio-relay/internal/coordinator"
	"github.com/skypro1111/meet-audio-relay/internal/device"
	"github.com/skypro1111/meet-audio-relay/internal/media"
	"github.com/skypro1111/meet-audio-relay/internal/metrics"
	"github.com/skypro1111/meet-audio-relay/internal/server"
	"github.com/skypro1111/meet-audio-relay/internal/store"
	"github.com/skypro1111/meet-audio-relay/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func runDaemon(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", cfgFile),
	)
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Duration("chunk_interval", cfg.Capture.GetChunkInterval()),
		slog.String("input_format", cfg.Capture.InputFormat),
		slog.Duration("drain_interval", cfg.Upload.GetDrainInterval()),
		slog.String("bus_transport", cfg.Bus.Transport),
		slog.String("store_path", cfg.Store.Path),
		slog.Bool("archive_enabled", cfg.Archive.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	reg, appMetrics := newRegistry()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	hub := bus.NewHub(logger)
	opts := busOptions(cfg, appMetrics)
	devices := device.NewEnumerator(device.FFmpegLister{Path: cfg.Capture.FFmpegPath}, logger)
	client := newClient(cfg, logger)

	switch cfg.Bus.Transport {
	case "nats":
		// The worker runs in its own process; its hub endpoint is a bridge
		nt, err := bus.DialNATS(cfg.Bus.NATSURL, cfg.Bus.SubjectPrefix,
			[]string{bus.ContextCoordinator, bus.ContextCapture, bus.ContextUI}, logger)
		if err != nil {
			return err
		}
		local := hub.Endpoint(bus.ContextWorker)
		g.Go(func() error {
			bus.Bridge(gctx, local, nt, logger)
			nt.Close()
			return nil
		})
	default:
		archiver, err := newArchiver(gctx, cfg, logger, appMetrics)
		if err != nil {
			return err
		}
		coordinator.SpawnWorker(gctx, hub, opts, func(b *bus.Bus) *worker.Worker {
			return worker.New(workerConfig(cfg), b, client, archiver, logger, appMetrics)
		}, logger)
	}

	captureBus := bus.New(bus.ContextCapture, hub.Endpoint(bus.ContextCapture), logger, opts)
	source := &media.FFmpegSource{
		Path:         cfg.Capture.FFmpegPath,
		InputFormat:  cfg.Capture.InputFormat,
		DisplayInput: cfg.Capture.DisplayInput,
		SampleRate:   cfg.Capture.SampleRate,
		FrameSamples: cfg.Capture.SampleRate / 50,
		Logger:       logger,
	}
	recorder := capture.NewRecorder(capture.Config{
		Encoder: audio.EncoderConfig{
			SampleRate:      cfg.Capture.SampleRate,
			FlushInterval:   cfg.Capture.GetChunkInterval(),
			MimeType:        cfg.Capture.MimeType,
			DurationSeconds: cfg.Capture.ChunkDuration,
		},
		Mixer: media.MixerConfig{MaxSkew: cfg.Capture.GetMaxSkewSamples()},
	}, captureBus, st, devices, source, logger, appMetrics)
	recorder.Register(captureBus)

	coordinatorBus := bus.New(bus.ContextCoordinator, hub.Endpoint(bus.ContextCoordinator), logger, opts)
	coordinator.New(coordinatorBus, st, devices, client, logger)

	g.Go(func() error { return captureBus.Run(gctx) })
	g.Go(func() error { return coordinatorBus.Run(gctx) })

	if recorder.Restore(gctx) {
		logger.Info("Reset capture state left by a previous run")
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, hub, recorder, appMetrics, reg)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	select {
	case <-sigCtx.Done():
		logger.Info("Received shutdown signal")
	case <-gctx.Done():
		logger.Warn("Component stopped, shutting down")
	}

	logger.Info("Starting graceful shutdown...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop capture while the buses still run so the queue is cleared and
	// every context hears about the end of the recording
	recorder.Stop(shutdownCtx, capture.ReasonShutdown)

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	cancelRun()
	err = g.Wait()

	stats := client.GetStats()
	logger.Info("Final client statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
	)
	logger.Info("Service stopped")
	return err
}

// newArchiver returns nil when archiving is disabled
func newArchiver(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (worker.Archiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	a, err := archive.New(ctx, cfg.Archive, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to set up chunk archive: %w", err)
	}
	logger.Info("Chunk archive enabled",
		slog.String("bucket", cfg.Archive.Bucket),
		slog.String("prefix", cfg.Archive.Prefix),
	)
	return a, nil
}
