package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/appsentry/appsentry/internal/storage"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Accumulator AccumulatorConfig `mapstructure:"accumulator"`
	Rollover    RolloverConfig    `mapstructure:"rollover"`
	Profile     ProfileConfig     `mapstructure:"profile"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig defines the OS telemetry adapter settings
type TelemetryConfig struct {
	JournalPath string `mapstructure:"journal_path"`
}

// AccumulatorConfig defines same-day accumulation settings
type AccumulatorConfig struct {
	Interval string `mapstructure:"interval"`
}

// RolloverConfig defines daily rollover and retention settings
type RolloverConfig struct {
	Time          string `mapstructure:"time"` // HH:MM, UTC
	RetentionDays int    `mapstructure:"retention_days"`
	MaxRetries    int    `mapstructure:"max_retries"`
	RetryBackoff  string `mapstructure:"retry_backoff"`
}

// ProfileConfig defines profile generation settings
type ProfileConfig struct {
	ID                    string   `mapstructure:"id"`
	WindowDays            int      `mapstructure:"window_days"`
	RefreshInterval       string   `mapstructure:"refresh_interval"`
	MinDistinctDays       int      `mapstructure:"min_distinct_days"`
	AllowedInfrequentApps []string `mapstructure:"allowed_infrequent_apps"`
}

// DetectorConfig defines anomaly evaluation settings
type DetectorConfig struct {
	Interval     string `mapstructure:"interval"`
	SampleWindow string `mapstructure:"sample_window"`
}

// ScoringConfig defines the remote autoencoder scoring service client
type ScoringConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	BaseURL         string  `mapstructure:"base_url"`
	Timeout         string  `mapstructure:"timeout"`
	TrainInterval   string  `mapstructure:"train_interval"`
	Epochs          int     `mapstructure:"epochs"`
	ValidationSplit float64 `mapstructure:"validation_split"`
}

// MetricsConfig defines the metrics endpoint settings
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("APPSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/appsentry/appsentry.bolt")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.journal_path", "/var/lib/appsentry/events.jsonl")

	// Accumulator defaults
	v.SetDefault("accumulator.interval", "10m")

	// Rollover defaults
	v.SetDefault("rollover.time", "00:00")
	v.SetDefault("rollover.retention_days", 90)
	v.SetDefault("rollover.max_retries", 3)
	v.SetDefault("rollover.retry_backoff", "30s")

	// Profile defaults
	v.SetDefault("profile.id", "user_default")
	v.SetDefault("profile.window_days", 30)
	v.SetDefault("profile.refresh_interval", "24h")
	v.SetDefault("profile.min_distinct_days", 5)
	v.SetDefault("profile.allowed_infrequent_apps", []string{})

	// Detector defaults
	v.SetDefault("detector.interval", "1m")
	v.SetDefault("detector.sample_window", "15m")

	// Scoring defaults
	v.SetDefault("scoring.enabled", false)
	v.SetDefault("scoring.base_url", "")
	v.SetDefault("scoring.timeout", "30s")
	v.SetDefault("scoring.train_interval", "24h")
	v.SetDefault("scoring.epochs", 30)
	v.SetDefault("scoring.validation_split", 0.2)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9204)
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "bolt", "redis":
	case "":
		cfg.Storage.Type = "bolt"
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "bolt" {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		if err := storage.EnsureDir(filepath.Dir(cfg.Storage.Path)); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	if cfg.Profile.WindowDays <= 0 {
		return fmt.Errorf("profile window_days must be positive")
	}
	if cfg.Profile.MinDistinctDays <= 0 {
		return fmt.Errorf("profile min_distinct_days must be positive")
	}
	if cfg.Rollover.RetentionDays < cfg.Profile.WindowDays {
		return fmt.Errorf("rollover retention_days (%d) must cover the profile window (%d days)",
			cfg.Rollover.RetentionDays, cfg.Profile.WindowDays)
	}

	if cfg.Scoring.Enabled && cfg.Scoring.BaseURL == "" {
		return fmt.Errorf("scoring.base_url is required when scoring is enabled")
	}

	return nil
}
