// Command worker runs the background ingestion worker: it consumes
// ingest:batch jobs from the queue and exposes metrics and health endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scantrail/api/internal/app/ingest"
	"github.com/scantrail/api/internal/config"
	"github.com/scantrail/api/internal/infra/fetchers"
	"github.com/scantrail/api/internal/infra/jobs"
	"github.com/scantrail/api/internal/infra/postgres"
	"github.com/scantrail/api/internal/infra/redis"
	"github.com/scantrail/api/pkg/logger"
	"github.com/scantrail/api/pkg/migrations"
	"github.com/scantrail/api/pkg/validator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}).With("service", "worker")

	db, err := postgres.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.NewRunner(db.DB).Up(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	redisClient, err := redis.New(&cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	progress := redis.NewProgressStore(redisClient, cfg.Ingest.ProgressTTL)

	service := ingest.NewService(
		db,
		postgres.AcquireAccountLock,
		postgres.NewReportRepository(db),
		postgres.NewFindingRepository(db),
		postgres.NewHistoryRepository(db),
		progress,
		validator.New(),
		log,
		cfg.Ingest,
	)

	var s3Fetcher fetchers.Fetcher
	if cfg.S3.Region != "" || cfg.S3.Endpoint != "" {
		f, err := fetchers.NewS3Fetcher(ctx, &cfg.S3)
		if err != nil {
			return fmt.Errorf("configuring s3 fetcher: %w", err)
		}
		s3Fetcher = f
	}

	handler := jobs.NewIngestTaskHandler(service, fetchers.NewFileFetcher(), s3Fetcher, cfg.Ingest, log)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisAddr:     cfg.Redis.Addr(),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		Concurrency:   cfg.Worker.Concurrency,
		Queues:        cfg.Worker.Queues,
	}, handler, log)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	metricsSrv := metricsServer(cfg, db, redisClient, log)
	go func() {
		log.Info("metrics endpoint listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	if err := worker.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown failed", "error", err)
	}

	log.Info("worker stopped")
	return nil
}

func metricsServer(cfg *config.Config, db *postgres.DB, redisClient *redis.Client, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(ctx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return &http.Server{
		Addr:              cfg.Metrics.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
