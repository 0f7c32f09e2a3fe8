// Command scoutingest is the operations CLI for the ingestion pipeline:
// backfill enqueues, on-demand dispatch cycles, dead-letter retries, and
// status queries.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scoutops/scout-ingest/internal/config"
	"github.com/scoutops/scout-ingest/internal/database"
	"github.com/scoutops/scout-ingest/internal/dispatch"
	"github.com/scoutops/scout-ingest/internal/enqueue"
	"github.com/scoutops/scout-ingest/internal/monitor"
	"github.com/scoutops/scout-ingest/internal/pipeline"
	"github.com/scoutops/scout-ingest/internal/repository"
	"github.com/scoutops/scout-ingest/internal/s3storage"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scoutingest: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scoutingest",
		Short: "Operations CLI for the device-export ingestion pipeline",
		Long: `scoutingest drives the ingestion pipeline by hand: enqueue backfills after
an outage, run a dispatch cycle outside the worker schedule, requeue dead
letters once a root cause is fixed, and inspect pipeline health.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newEnqueueCmd(),
		newProcessCmd(),
		newRetryDeadCmd(),
		newStatusCmd(),
		newWatermarksCmd(),
	)
	return cmd
}

// app bundles the wired components a subcommand needs.
type app struct {
	cfg        *config.Config
	pool       *pgxpool.Pool
	store      *s3storage.Storage
	enqueuer   *enqueue.Enqueuer
	dispatcher *dispatch.Dispatcher
	mon        *monitor.Monitor
	watermarks *repository.WatermarkRepository
}

func buildApp(ctx context.Context) (*app, func(), error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	store, err := s3storage.New(cfg)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}

	queueRepo := repository.NewQueueRepository(pool)
	ledgerRepo := repository.NewLedgerRepository(pool)
	dlqRepo := repository.NewDeadLetterRepository(pool)
	txnRepo := repository.NewTransactionRepository(pool)

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
	}, nil, logger)

	a := &app{
		cfg:        cfg,
		pool:       pool,
		store:      store,
		enqueuer:   enqueue.New(ledgerRepo, queueRepo, store, logger),
		dispatcher: dispatcher,
		mon:        monitor.New(queueRepo, dlqRepo, nil),
		watermarks: repository.NewWatermarkRepository(pool),
	}
	return a, pool.Close, nil
}

func newEnqueueCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "List objects under a prefix and enqueue any not yet seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			count, err := a.enqueuer.Reconcile(ctx, prefix)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"enqueued_count": count})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Object key prefix to reconcile (empty for the whole bucket)")
	return cmd
}

func newProcessCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Claim and process one batch of queued files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			if limit <= 0 {
				limit = a.cfg.BatchLimit
			}
			res, err := a.dispatcher.ProcessBatch(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum items to claim this cycle (defaults to the configured batch limit)")
	return cmd
}

func newRetryDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-dead",
		Short: "Requeue all dead-lettered files with a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			count, err := a.dispatcher.RetryDeadLetters(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"requeued_count": count})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print pipeline health: counts by status, queue staleness, recent dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			status, err := a.mon.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newWatermarksCmd() *cobra.Command {
	var stream string
	cmd := &cobra.Command{
		Use:   "watermarks",
		Short: "Show per-device high-water marks of the validated stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			if stream != "" {
				wm, err := a.watermarks.Get(ctx, stream)
				if err != nil {
					return err
				}
				if wm == nil {
					return fmt.Errorf("no watermark for stream %q", stream)
				}
				return printJSON(wm)
			}
			marks, err := a.watermarks.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(marks)
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "", "Show a single device stream")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
