package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scoutops/scout-ingest/internal/api"
	"github.com/scoutops/scout-ingest/internal/config"
	"github.com/scoutops/scout-ingest/internal/database"
	"github.com/scoutops/scout-ingest/internal/dispatch"
	"github.com/scoutops/scout-ingest/internal/enqueue"
	"github.com/scoutops/scout-ingest/internal/monitor"
	"github.com/scoutops/scout-ingest/internal/pipeline"
	"github.com/scoutops/scout-ingest/internal/repository"
	"github.com/scoutops/scout-ingest/internal/s3storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "api"))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Error("ensure schema", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := s3storage.New(cfg)
	if err != nil {
		logger.Error("init storage", slog.Any("error", err))
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logger.Error("ensure bucket", slog.Any("error", err))
		os.Exit(1)
	}

	queueRepo := repository.NewQueueRepository(pool)
	ledgerRepo := repository.NewLedgerRepository(pool)
	dlqRepo := repository.NewDeadLetterRepository(pool)
	txnRepo := repository.NewTransactionRepository(pool)

	registry := prometheus.NewRegistry()
	metrics := monitor.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		logger.Error("register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	enqueuer := enqueue.New(ledgerRepo, queueRepo, store, logger)
	processor := pipeline.NewProcessor(store, txnRepo, logger)
	dispatcher := dispatch.New(queueRepo, dlqRepo, processor, dispatch.Options{
		MaxAttempts:        cfg.MaxAttempts,
		Workers:            cfg.Workers,
		LeaseTimeout:       cfg.LeaseTimeout,
		ItemTimeout:        cfg.ItemTimeout,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		BreakerFailureRate: cfg.BreakerFailureRate,
		BreakerMinSample:   cfg.BreakerMinSample,
		BreakerCoolOff:     cfg.BreakerCoolOff,
	}, metrics, logger)
	mon := monitor.New(queueRepo, dlqRepo, metrics)

	srv := api.New(cfg, enqueuer, dispatcher, mon, dispatcher, registry, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
