package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/farxc/disbursement/internal/app"
	"github.com/farxc/disbursement/internal/db"
	"github.com/farxc/disbursement/internal/env"
	"github.com/farxc/disbursement/internal/logger"
	"github.com/farxc/disbursement/internal/queue"
	"github.com/farxc/disbursement/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	concurrency int
	prefetch    int
	jobQueue    string
)

var rootCmd = &cobra.Command{
	Use:           "worker",
	Short:         "Background jobs for payment plans",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// runCmd consumes the jobs queue
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume payment plan jobs",
	Long: `Consume exports, imports, rule engine runs and exclusions from the jobs queue.

Each consumer owns its own channel. A failed job is recorded on its payment
plan as the matching *_ERROR background status.`,
	RunE: runWorker,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func init() {
	runCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 4, "number of concurrent consumers")
	runCmd.Flags().IntVar(&prefetch, "prefetch", 1, "unacknowledged deliveries per consumer")
	runCmd.Flags().StringVarP(&jobQueue, "queue", "q", "", "jobs queue name (defaults to JOB_QUEUE)")
	rootCmd.AddCommand(runCmd, migrateCmd)
}

func setup() (app.Config, *logger.Logger, error) {
	if err := env.Load(); err != nil {
		return app.Config{}, nil, fmt.Errorf("error loading .env: %w", err)
	}
	cfg := app.LoadConfig()
	lg, err := logger.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return app.Config{}, nil, fmt.Errorf("error building logger: %w", err)
	}
	return cfg, lg, nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	if concurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1, got %d", concurrency)
	}
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Sync()
	if jobQueue != "" {
		cfg.JobQueue = jobQueue
	}

	a, err := app.New(cmd.Context(), cfg, lg)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(cmd.Context())
	for i := 0; i < concurrency; i++ {
		consumer := queue.NewConsumer(a.Queue, a.Plans, prefetch, lg)
		g.Go(func() error { return consumer.Run(ctx) })
	}
	lg.Info("WORKER", "%d consumers started on %s", concurrency, cfg.JobQueue)

	err = g.Wait()
	lg.Info("WORKER", "stopped")
	return err
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Sync()

	conn, err := db.New(cfg.DB)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := store.Migrate(cmd.Context(), conn); err != nil {
		return err
	}
	lg.Info("WORKER", "schema migrated")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
