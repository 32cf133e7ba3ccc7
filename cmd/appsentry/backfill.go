package main

import (
	"context"
	"fmt"
	"time"

	"github.com/appsentry/appsentry/internal/config"
	"github.com/appsentry/appsentry/internal/reconcile"
	"github.com/appsentry/appsentry/internal/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var backfillDays int

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Rebuild daily records from the telemetry journal",
	Long: `Rebuild daily usage records for past days by re-reading the telemetry
journal. Existing records for those days are replaced. Useful after the daemon
was down or the store was lost.`,
	Example: `  appsentry -c config.yaml backfill
  appsentry backfill -days 7`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().IntVar(&backfillDays, "days", 30, "Number of past days to rebuild (today excluded)")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	if backfillDays <= 0 {
		return fmt.Errorf("days must be positive, got %d", backfillDays)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	source := telemetry.NewJournal(cfg.Telemetry.JournalPath, logger)
	reconciler := reconcile.New(source, logger)

	ctx := context.Background()
	count, err := reconciler.Backfill(ctx, store.Usage(), time.Now().UTC(), backfillDays)
	if err != nil {
		return fmt.Errorf("backfill failed after %d record(s): %w", count, err)
	}

	fmt.Printf("Rebuilt %d daily record(s) over the last %d day(s).\n", count, backfillDays)
	return nil
}
