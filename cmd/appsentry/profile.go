package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/config"
	"github.com/appsentry/appsentry/internal/profile"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var profileRegenerate bool

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or regenerate the behaviour profile",
	Long:  `Show the stored behaviour profile, or force a regeneration from the daily usage history.`,
	Example: `  appsentry -c config.yaml profile
  appsentry profile -regenerate`,
	RunE: runProfile,
}

func init() {
	profileCmd.Flags().BoolVar(&profileRegenerate, "regenerate", false, "Regenerate the profile from history before showing it")
	rootCmd.AddCommand(profileCmd)
}

func runProfile(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	var prof *storage.BehaviourProfile
	if profileRegenerate {
		generator := profile.NewGenerator(
			store.Usage(),
			store.Profiles(),
			clock.RealClock{},
			profile.Config{
				ID:                    cfg.Profile.ID,
				WindowDays:            cfg.Profile.WindowDays,
				RefreshInterval:       parseDuration(cfg.Profile.RefreshInterval, 24*time.Hour),
				MinDistinctDays:       cfg.Profile.MinDistinctDays,
				AllowedInfrequentApps: cfg.Profile.AllowedInfrequentApps,
			},
			logger,
		)

		prof, err = generator.Generate(ctx, true)
		if errors.Is(err, profile.ErrInsufficientData) {
			return fmt.Errorf("not enough daily history to build a profile (need %d distinct days)", cfg.Profile.MinDistinctDays)
		}
		if err != nil {
			return fmt.Errorf("profile generation failed: %w", err)
		}
	} else {
		prof, err = store.Profiles().Get(ctx, cfg.Profile.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no behaviour profile stored for %q (run with -regenerate)", cfg.Profile.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to load behaviour profile: %w", err)
		}
	}

	printProfile(prof)
	return nil
}

// printProfile prints the behaviour profile with colors
func printProfile(prof *storage.BehaviourProfile) {
	cyan := color.New(color.FgCyan, color.Bold)
	bold := color.New(color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("BEHAVIOUR PROFILE")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Profile:      %s\n", prof.ID)
	fmt.Printf("Generated:    %s\n", prof.GeneratedAt.Format(time.RFC3339))
	fmt.Printf("Active Hours: %v\n", prof.ActiveHours)
	fmt.Printf("Daily Total:  %s - %s\n",
		formatMs(prof.DailyTotalRangeMs.Low), formatMs(prof.DailyTotalRangeMs.High))
	if len(prof.AllowedInfrequentApps) > 0 {
		fmt.Printf("Allowed Infrequent: %v\n", prof.AllowedInfrequentApps)
	}
	fmt.Println()

	bold.Printf("Profiled Apps (%d):\n", len(prof.Apps))
	for _, app := range prof.Apps {
		fmt.Printf("  %s\n", app.Package)
		fmt.Printf("      time:     %s - %s per day\n",
			formatMs(app.ForegroundRangeMs.Low), formatMs(app.ForegroundRangeMs.High))
		fmt.Printf("      launches: %d - %d per day\n", app.LaunchRange.Low, app.LaunchRange.High)
		fmt.Printf("      hours:    %v  days: %v\n", app.CommonHours, app.CommonDays)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
