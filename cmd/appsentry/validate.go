package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/appsentry/appsentry/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the AppSentry configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump the effective configuration")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show the effective configuration
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "EFFECTIVE CONFIGURATION")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))
		dumpConfig(cfg)
	}

	return nil
}

// dumpConfig prints the effective configuration section by section
func dumpConfig(cfg *config.Config) {
	fmt.Printf("\n[storage]\n")
	fmt.Printf("  type             = %s\n", cfg.Storage.Type)
	fmt.Printf("  path             = %s\n", cfg.Storage.Path)
	if cfg.Storage.Type == "redis" {
		fmt.Printf("  redis            = %s:%d db=%d\n", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, cfg.Storage.Redis.DB)
	}

	fmt.Printf("\n[logging]\n")
	fmt.Printf("  level            = %s\n", cfg.Logging.Level)
	fmt.Printf("  format           = %s\n", cfg.Logging.Format)

	fmt.Printf("\n[telemetry]\n")
	fmt.Printf("  journal_path     = %s\n", cfg.Telemetry.JournalPath)

	fmt.Printf("\n[accumulator]\n")
	fmt.Printf("  interval         = %s\n", cfg.Accumulator.Interval)

	fmt.Printf("\n[rollover]\n")
	fmt.Printf("  time             = %s UTC\n", cfg.Rollover.Time)
	fmt.Printf("  retention_days   = %d\n", cfg.Rollover.RetentionDays)
	fmt.Printf("  max_retries      = %d\n", cfg.Rollover.MaxRetries)
	fmt.Printf("  retry_backoff    = %s\n", cfg.Rollover.RetryBackoff)

	fmt.Printf("\n[profile]\n")
	fmt.Printf("  id               = %s\n", cfg.Profile.ID)
	fmt.Printf("  window_days      = %d\n", cfg.Profile.WindowDays)
	fmt.Printf("  refresh_interval = %s\n", cfg.Profile.RefreshInterval)
	fmt.Printf("  min_distinct_days = %d\n", cfg.Profile.MinDistinctDays)
	fmt.Printf("  allowed_infrequent_apps = %v\n", cfg.Profile.AllowedInfrequentApps)

	fmt.Printf("\n[detector]\n")
	fmt.Printf("  interval         = %s\n", cfg.Detector.Interval)
	fmt.Printf("  sample_window    = %s\n", cfg.Detector.SampleWindow)

	fmt.Printf("\n[scoring]\n")
	fmt.Printf("  enabled          = %t\n", cfg.Scoring.Enabled)
	if cfg.Scoring.Enabled {
		fmt.Printf("  base_url         = %s\n", cfg.Scoring.BaseURL)
		fmt.Printf("  timeout          = %s\n", cfg.Scoring.Timeout)
		fmt.Printf("  train_interval   = %s\n", cfg.Scoring.TrainInterval)
		fmt.Printf("  epochs           = %d\n", cfg.Scoring.Epochs)
		fmt.Printf("  validation_split = %.2f\n", cfg.Scoring.ValidationSplit)
	}

	fmt.Printf("\n[metrics]\n")
	fmt.Printf("  enabled          = %t\n", cfg.Metrics.Enabled)
	if cfg.Metrics.Enabled {
		fmt.Printf("  addr             = %s:%d\n", cfg.Metrics.BindAddress, cfg.Metrics.Port)
	}
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	// Get all keys from the config file
	allKeys := v.AllKeys()

	// Build set of valid keys
	validKeys := getValidKeys()

	// Find unknown keys
	unknown := []string{}
	for _, key := range allKeys {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}

	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	return map[string]bool{
		// Storage
		"storage.type":                 true,
		"storage.path":                 true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Telemetry
		"telemetry.journal_path": true,

		// Accumulator
		"accumulator.interval": true,

		// Rollover
		"rollover.time":           true,
		"rollover.retention_days": true,
		"rollover.max_retries":    true,
		"rollover.retry_backoff":  true,

		// Profile
		"profile.id":                      true,
		"profile.window_days":             true,
		"profile.refresh_interval":        true,
		"profile.min_distinct_days":       true,
		"profile.allowed_infrequent_apps": true,

		// Detector
		"detector.interval":      true,
		"detector.sample_window": true,

		// Scoring
		"scoring.enabled":          true,
		"scoring.base_url":         true,
		"scoring.timeout":          true,
		"scoring.train_interval":   true,
		"scoring.epochs":           true,
		"scoring.validation_split": true,

		// Metrics
		"metrics.enabled":      true,
		"metrics.bind_address": true,
		"metrics.port":         true,
	}
}
