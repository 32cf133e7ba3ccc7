package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/appsentry/appsentry/internal/accumulate"
	"github.com/appsentry/appsentry/internal/anomaly"
	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/config"
	"github.com/appsentry/appsentry/internal/metrics"
	"github.com/appsentry/appsentry/internal/profile"
	"github.com/appsentry/appsentry/internal/rollover"
	"github.com/appsentry/appsentry/internal/sampler"
	"github.com/appsentry/appsentry/internal/scoring"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/appsentry/appsentry/internal/storage/bolt"
	"github.com/appsentry/appsentry/internal/storage/redis"
	"github.com/appsentry/appsentry/internal/systemd"
	"github.com/appsentry/appsentry/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start AppSentry daemon",
	Long:  `Start the AppSentry daemon with telemetry accumulation, daily rollover, profile generation, anomaly detection, and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting AppSentry")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	// Initialize telemetry source
	source := telemetry.NewJournal(cfg.Telemetry.JournalPath, logger)

	logger.Info().
		Str("journal", cfg.Telemetry.JournalPath).
		Msg("Telemetry source initialized")

	clk := clock.RealClock{}
	ctx := context.Background()

	// Initialize Today Accumulator
	accumulator := accumulate.New(
		source,
		store.Usage(),
		clk,
		accumulate.Config{
			Interval: parseDuration(cfg.Accumulator.Interval, 10*time.Minute),
		},
		logger,
	)
	accumulator.Start(ctx)

	// Initialize Rollover Scheduler
	rolloverEngine := rollover.NewEngine(
		store.Usage(),
		clk,
		rollover.Config{RetentionDays: cfg.Rollover.RetentionDays},
		logger,
	)

	rolloverScheduler, err := rollover.NewScheduler(
		rolloverEngine,
		rollover.SchedulerConfig{
			Time:         cfg.Rollover.Time,
			MaxRetries:   cfg.Rollover.MaxRetries,
			RetryBackoff: parseDuration(cfg.Rollover.RetryBackoff, 30*time.Second),
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize rollover scheduler: %w", err)
	}
	rolloverScheduler.Start(ctx)

	// Initialize Profile Generator
	generator := profile.NewGenerator(
		store.Usage(),
		store.Profiles(),
		clk,
		profile.Config{
			ID:                    cfg.Profile.ID,
			WindowDays:            cfg.Profile.WindowDays,
			RefreshInterval:       parseDuration(cfg.Profile.RefreshInterval, 24*time.Hour),
			MinDistinctDays:       cfg.Profile.MinDistinctDays,
			AllowedInfrequentApps: cfg.Profile.AllowedInfrequentApps,
		},
		logger,
	)
	generator.Start(ctx)

	// Initialize Anomaly Detector
	windowSampler := sampler.New(source, clk, parseDuration(cfg.Detector.SampleWindow, 15*time.Minute))

	detector := anomaly.NewDetector(
		windowSampler,
		store.Profiles(),
		clk,
		anomaly.Config{
			ProfileID: cfg.Profile.ID,
			Interval:  parseDuration(cfg.Detector.Interval, time.Minute),
		},
		logger,
	)
	detector.Start(ctx)

	// Initialize remote scoring trainer if configured
	var trainer *scoring.Trainer
	if cfg.Scoring.Enabled {
		scoringClient := scoring.NewClient(scoring.Config{
			BaseURL:         cfg.Scoring.BaseURL,
			Timeout:         parseDuration(cfg.Scoring.Timeout, 30*time.Second),
			Epochs:          cfg.Scoring.Epochs,
			ValidationSplit: cfg.Scoring.ValidationSplit,
		}, logger)

		trainer = scoring.NewTrainer(
			scoringClient,
			store.Usage(),
			clk,
			scoring.TrainerConfig{
				Interval:   parseDuration(cfg.Scoring.TrainInterval, 24*time.Hour),
				WindowDays: cfg.Profile.WindowDays,
			},
			logger,
		)
		trainer.Start(ctx)

		logger.Info().
			Str("base_url", cfg.Scoring.BaseURL).
			Msg("Scoring trainer started")
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}

		logger.Info().
			Str("addr", metricsAddr).
			Msg("Metrics Server started")
	}

	// Log startup complete
	logger.Info().Msg("AppSentry startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, regenerating behaviour profile...")
			if _, err := generator.Generate(ctx, true); err != nil {
				logger.Error().Err(err).Msg("Failed to regenerate profile")
			} else {
				logger.Info().Msg("Behaviour profile regenerated")
			}
			// Continue running
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			// Break out of loop to shutdown
		}

		// Only reached on shutdown signals
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop components
	detector.Stop()
	generator.Stop()
	rolloverScheduler.Stop()
	accumulator.Stop()

	if trainer != nil {
		trainer.Stop()
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("AppSentry stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
