package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/worker"
)

var workerMetricsPort int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the upload worker as a separate process over NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerMetricsPort, "metrics-port", 0, "serve /metrics on this port (0 disables)")
}

func runWorker(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Bus.Transport != "nats" {
		return errors.New("the worker process needs bus.transport=nats")
	}

	logger := initLogger(cfg.Logging).With(slog.String("context", bus.ContextWorker))
	reg, appMetrics := newRegistry()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	nt, err := bus.DialNATS(cfg.Bus.NATSURL, cfg.Bus.SubjectPrefix,
		[]string{bus.ContextWorker, bus.Broadcast}, logger)
	if err != nil {
		return err
	}
	defer nt.Close()

	archiver, err := newArchiver(ctx, cfg, logger, appMetrics)
	if err != nil {
		return err
	}

	b := bus.New(bus.ContextWorker, nt, logger, busOptions(cfg, appMetrics))
	w := worker.New(workerConfig(cfg), b, newClient(cfg, logger), archiver, logger, appMetrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })

	if workerMetricsPort > 0 {
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(rw, `{"status":"healthy","queued":%d}`, w.Queue().Len())
		})
		srv := &http.Server{
			Addr:        fmt.Sprintf("%s:%d", cfg.HTTP.Address, workerMetricsPort),
			Handler:     r,
			ReadTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Worker started",
		slog.String("nats_url", cfg.Bus.NATSURL),
		slog.String("subject_prefix", cfg.Bus.SubjectPrefix),
	)
	err = g.Wait()
	logger.Info("Worker stopped", slog.Int("queued", w.Queue().Len()))
	return err
}
