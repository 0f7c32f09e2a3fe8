package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scoutops/scout-ingest/internal/config"
	"github.com/scoutops/scout-ingest/internal/database"
	"github.com/scoutops/scout-ingest/internal/dispatch"
	"github.com/scoutops/scout-ingest/internal/monitor"
	"github.com/scoutops/scout-ingest/internal/pipeline"
	"github.com/scoutops/scout-ingest/internal/repository"
	"github.com/scoutops/scout-ingest/internal/s3storage"
	"github.com/scoutops/scout-ingest/internal/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "worker"))

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
	dlqRepo := repository.NewDeadLetterRepository(pool)
	txnRepo := repository.NewTransactionRepository(pool)

	registry := prometheus.NewRegistry()
	metrics := monitor.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		logger.Error("register metrics", slog.Any("error", err))
		os.Exit(1)
	}
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddress,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("metrics listening", slog.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()

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

	runCycle := func(ctx context.Context) error {
		res, err := dispatcher.ProcessBatch(ctx, cfg.BatchLimit)
		if err != nil {
			if errors.Is(err, dispatch.ErrBreakerOpen) {
				logger.Warn("dispatch skipped", slog.Any("error", err))
				return nil
			}
			return err
		}
		if res.Processed > 0 {
			logger.Info("cycle complete",
				slog.Int("processed", res.Processed),
				slog.Int("succeeded", res.Succeeded),
				slog.Int("failed", res.Failed))
		}
		return nil
	}

	// One cycle at startup drains any backlog before the first tick.
	if err := runCycle(ctx); err != nil {
		logger.Error("initial cycle failed", slog.Any("error", err))
	}

	sched := scheduler.New(logger)
	if err := sched.Register(ctx, cfg.DispatchSpec, "dispatch", runCycle); err != nil {
		logger.Error("register dispatch schedule", slog.Any("error", err))
		os.Exit(1)
	}
	sched.Start()
	logger.Info("worker running", slog.String("schedule", cfg.DispatchSpec))

	<-ctx.Done()
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
