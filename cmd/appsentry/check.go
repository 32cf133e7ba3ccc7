package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/appsentry/appsentry/internal/anomaly"
	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/config"
	"github.com/appsentry/appsentry/internal/sampler"
	"github.com/appsentry/appsentry/internal/scoring"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/appsentry/appsentry/internal/telemetry"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkWindow string
	checkAt     string
	checkScore  bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate recent activity against the behaviour profile",
	Long:  `Evaluate the most recent telemetry window against the stored behaviour profile and print the anomaly verdict.`,
	Example: `  appsentry -c config.yaml check
  appsentry check -window 30m
  appsentry check -at 2026-08-29T03:15:00Z`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkWindow, "window", "", "Sample window (defaults to detector.sample_window)")
	checkCmd.Flags().StringVar(&checkAt, "at", "", "Evaluation time in RFC3339 (defaults to now)")
	checkCmd.Flags().BoolVar(&checkScore, "score", false, "Also score the trailing history with the remote scoring service")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	// Parse evaluation time (if provided)
	var clk clock.Clock = clock.RealClock{}
	if checkAt != "" {
		at, err := time.Parse(time.RFC3339, checkAt)
		if err != nil {
			return fmt.Errorf("invalid evaluation time: %w", err)
		}
		clk = &clock.TestClock{CurrentTime: at}
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	window := parseDuration(cfg.Detector.SampleWindow, 15*time.Minute)
	if checkWindow != "" {
		window, err = time.ParseDuration(checkWindow)
		if err != nil {
			return fmt.Errorf("invalid sample window: %w", err)
		}
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	// Load the stored behaviour profile; a missing profile is a valid
	// state and yields the suspicious fallback verdict.
	prof, err := store.Profiles().Get(ctx, cfg.Profile.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load behaviour profile: %w", err)
	}

	// Snapshot recent activity
	source := telemetry.NewJournal(cfg.Telemetry.JournalPath, logger)
	samples, err := sampler.New(source, clk, window).Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample telemetry: %w", err)
	}

	now := clk.Now().UTC()
	verdict := anomaly.Evaluate(prof, samples, now, window)

	printCheckResult(cfg.Profile.ID, prof, samples, now, window, verdict)

	if checkScore {
		if !cfg.Scoring.Enabled || cfg.Scoring.BaseURL == "" {
			return fmt.Errorf("scoring is not configured (set scoring.enabled and scoring.base_url)")
		}
		return runRemoteScore(ctx, cfg, store, now)
	}

	return nil
}

// runRemoteScore sends the trailing daily history to the scoring service
// and prints the model's per-record verdicts.
func runRemoteScore(ctx context.Context, cfg *config.Config, store storage.Store, now time.Time) error {
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	client := scoring.NewClient(scoring.Config{
		BaseURL:         cfg.Scoring.BaseURL,
		Timeout:         parseDuration(cfg.Scoring.Timeout, 30*time.Second),
		Epochs:          cfg.Scoring.Epochs,
		ValidationSplit: cfg.Scoring.ValidationSplit,
	}, logger)

	from := storage.DayStart(now).AddDate(0, 0, -cfg.Profile.WindowDays)
	records, err := store.Usage().ListDailyRecords(ctx, from, storage.DayStart(now))
	if err != nil {
		return fmt.Errorf("failed to load daily records: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No daily history to score.")
		return nil
	}

	resp, err := client.Detect(ctx, records)
	if err != nil {
		return fmt.Errorf("remote scoring failed: %w", err)
	}

	printScoreResult(resp)
	return nil
}

// printCheckResult prints the anomaly verdict with colors
func printCheckResult(profileID string, prof *storage.BehaviourProfile, samples []sampler.Sample, now time.Time, window time.Duration, verdict anomaly.Verdict) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("ANOMALY CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Profile:    %s", profileID)
	if prof == nil {
		fmt.Print(" (not available)")
	}
	fmt.Println()
	fmt.Printf("Check Time: %s (%s)\n", now.Format("2006-01-02 15:04"), now.Weekday())
	fmt.Printf("Window:     %s\n", window)
	fmt.Printf("Apps Seen:  %d\n", len(samples))
	for _, s := range samples {
		fmt.Printf("            %s  %s  %d launch(es)\n",
			s.Package, (time.Duration(s.ForegroundMs) * time.Millisecond).Round(time.Second), s.LaunchCount)
	}
	fmt.Println()

	cyan.Print("Verdict:    ")
	switch verdict.Level {
	case anomaly.LevelNormal:
		green.Println("NORMAL")
		fmt.Println("            → Recent activity matches the behaviour profile")
	case anomaly.LevelSuspicious:
		yellow.Println("SUSPICIOUS")
		fmt.Println("            → Recent activity deviates from the behaviour profile")
	case anomaly.LevelHighAlert:
		red.Println("HIGH ALERT")
		fmt.Println("            → Recent activity strongly deviates from the behaviour profile")
	default:
		fmt.Printf("UNKNOWN (%d)\n", verdict.Level)
	}

	fmt.Printf("Score:      %d\n", verdict.Score)
	if len(verdict.Reasons) > 0 {
		fmt.Println("Reasons:")
		for _, reason := range verdict.Reasons {
			fmt.Printf("            - %s\n", reason)
		}
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// printScoreResult prints the remote scoring verdicts with colors
func printScoreResult(resp *scoring.DetectResponse) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("REMOTE SCORING")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Overall Risk: %s\n", resp.OverallRiskLevel)
	fmt.Println()

	anomalies := 0
	for _, result := range resp.Results {
		if !result.IsAnomaly {
			continue
		}
		anomalies++
		red.Printf("ANOMALY  ")
		fmt.Printf("%s on %s  score=%.4f confidence=%.1f%% risk=%s\n",
			result.App, result.Date, result.AnomalyScore, result.ConfidencePercent, result.RiskLevel)
	}
	if anomalies == 0 {
		green.Println("No anomalies in the scored history.")
	}
	fmt.Printf("\nScored %d record(s).\n", len(resp.Results))

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
