package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/metrics"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultWindowDays is the trailing window of history to profile.
	DefaultWindowDays = 30

	// DefaultMinDistinctDays is the minimum number of distinct calendar
	// days required before a profile is generated at all.
	DefaultMinDistinctDays = 5

	// DefaultRefreshInterval is how old a profile may get before it is
	// regenerated.
	DefaultRefreshInterval = 24 * time.Hour

	// Per-app profiling gates. Apps below these stay unprofiled.
	minAppForegroundMs = 10 * 60 * 1000
	minAppLaunches     = 5
	minAppDistinctDays = 2

	// Fraction of an app's active days an hour or weekday must cover to
	// count as common, and the global equivalent across all apps.
	commonFraction     = 0.25
	globalHourFraction = 0.3

	checkInterval = time.Hour
)

// ErrInsufficientData is returned when the history window does not span
// enough distinct days to generate a profile.
var ErrInsufficientData = errors.New("not enough distinct days of usage history")

// Generator derives the normal behaviour profile from the archived
// daily usage records.
type Generator struct {
	usage    storage.UsageStore
	profiles storage.ProfileStore
	clk      clock.Clock
	config   Config
	logger   zerolog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

// Config holds profile generation configuration
type Config struct {
	ID                    string
	WindowDays            int
	RefreshInterval       time.Duration
	MinDistinctDays       int
	AllowedInfrequentApps []string
}

// NewGenerator creates a profile generator.
func NewGenerator(usage storage.UsageStore, profiles storage.ProfileStore, clk clock.Clock, config Config, logger zerolog.Logger) *Generator {
	if config.ID == "" {
		config.ID = "user_default"
	}
	if config.WindowDays == 0 {
		config.WindowDays = DefaultWindowDays
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	if config.MinDistinctDays == 0 {
		config.MinDistinctDays = DefaultMinDistinctDays
	}
	return &Generator{
		usage:    usage,
		profiles: profiles,
		clk:      clk,
		config:   config,
		logger:   logger.With().Str("component", "profile-generator").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic refresh loop.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
	g.logger.Info().
		Dur("refresh_interval", g.config.RefreshInterval).
		Int("window_days", g.config.WindowDays).
		Msg("Profile generator started")
}

// Stop stops the refresh loop.
func (g *Generator) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
	g.logger.Info().Msg("Profile generator stopped")
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// First attempt immediately so a fresh install profiles as soon as
	// enough history exists.
	g.refresh(ctx)

	for {
		select {
		case <-ticker.C:
			g.refresh(ctx)
		case <-g.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (g *Generator) refresh(ctx context.Context) {
	if _, err := g.Generate(ctx, false); err != nil && !errors.Is(err, ErrInsufficientData) {
		g.logger.Error().Err(err).Msg("Profile generation failed")
	}
}

// Generate regenerates the behaviour profile from the trailing history
// window and replaces the stored one atomically. Unless forced, a
// profile newer than the refresh interval is kept as is. When history
// spans too few distinct days the previous profile is retained and
// ErrInsufficientData is returned.
func (g *Generator) Generate(ctx context.Context, force bool) (*storage.BehaviourProfile, error) {
	now := g.clk.Now().UTC()

	if !force {
		existing, err := g.profiles.Get(ctx, g.config.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load current profile: %w", err)
		}
		if existing != nil && now.Sub(existing.GeneratedAt) < g.config.RefreshInterval {
			g.logger.Debug().
				Time("generated_at", existing.GeneratedAt).
				Msg("Profile is fresh, skipping regeneration")
			return existing, nil
		}
	}

	// Today is still accumulating, profile finished days only.
	to := storage.DayStart(now)
	from := to.AddDate(0, 0, -g.config.WindowDays)

	records, err := g.usage.ListDailyRecords(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list history window: %w", err)
	}

	profile, err := Build(records, BuildOptions{
		ID:                    g.config.ID,
		MinDistinctDays:       g.config.MinDistinctDays,
		AllowedInfrequentApps: g.config.AllowedInfrequentApps,
		GeneratedAt:           now,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientData) {
			metrics.ProfileGenerations.WithLabelValues("skipped").Inc()
			g.logger.Info().
				Int("records", len(records)).
				Int("min_distinct_days", g.config.MinDistinctDays).
				Msg("Not enough history to profile, keeping previous profile")
		}
		return nil, err
	}

	if err := g.profiles.Replace(ctx, *profile); err != nil {
		metrics.ProfileGenerations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("replace profile: %w", err)
	}

	metrics.ProfileGenerations.WithLabelValues("success").Inc()
	metrics.ProfiledApps.Set(float64(len(profile.Apps)))
	g.logger.Info().
		Int("records", len(records)).
		Int("profiled_apps", len(profile.Apps)).
		Int("active_hours", len(profile.ActiveHours)).
		Msg("Behaviour profile regenerated")
	return profile, nil
}

// BuildOptions parameterize a profile build.
type BuildOptions struct {
	ID                    string
	MinDistinctDays       int
	AllowedInfrequentApps []string
	GeneratedAt           time.Time
}

// Build derives a behaviour profile from a window of daily records. It
// is a pure function of its inputs.
func Build(records []storage.DailyUsageRecord, opts BuildOptions) (*storage.BehaviourProfile, error) {
	allDays := make(map[string]bool)
	for _, rec := range records {
		allDays[rec.DayKey()] = true
	}
	if len(allDays) < opts.MinDistinctDays {
		return nil, ErrInsufficientData
	}

	byApp := make(map[string][]storage.DailyUsageRecord)
	for _, rec := range records {
		byApp[rec.Package] = append(byApp[rec.Package], rec)
	}

	apps := make([]storage.AppProfile, 0, len(byApp))
	globalHourDays := make(map[int]map[string]bool)
	dailyTotals := make(map[string]int64)

	for pkg, appRecords := range byApp {
		appDays := make(map[string]bool)
		var totalMs int64
		var totalLaunches int
		perDayMs := make(map[string]int64)
		perDayLaunches := make(map[string]int)
		hourDays := make(map[int]map[string]bool)
		weekdayDays := make(map[int]map[string]bool)

		for _, rec := range appRecords {
			day := rec.DayKey()
			appDays[day] = true
			totalMs += rec.ForegroundMs
			totalLaunches += rec.LaunchCount
			perDayMs[day] += rec.ForegroundMs
			perDayLaunches[day] += rec.LaunchCount
			dailyTotals[day] += rec.ForegroundMs

			for _, hour := range recordHours(rec) {
				markDay(hourDays, hour, day)
				markDay(globalHourDays, hour, day)
			}
			markDay(weekdayDays, rec.DayOfWeek, day)
		}

		if totalMs < minAppForegroundMs || totalLaunches < minAppLaunches || len(appDays) < minAppDistinctDays {
			continue
		}

		threshold := fractionThreshold(commonFraction, len(appDays))
		apps = append(apps, storage.AppProfile{
			Package:           pkg,
			ForegroundRangeMs: typicalRange(daySeries(perDayMs)),
			LaunchRange:       typicalRange(launchSeries(perDayLaunches)),
			CommonHours:       thresholdKeys(hourDays, threshold),
			CommonDays:        thresholdKeys(weekdayDays, threshold),
		})
	}

	sort.Slice(apps, func(i, j int) bool { return apps[i].Package < apps[j].Package })

	activeHours := thresholdKeys(globalHourDays, fractionThreshold(globalHourFraction, len(allDays)))
	dailyTotalRange := typicalRange(daySeries(dailyTotals))

	if len(apps) == 0 && len(activeHours) == 0 {
		return nil, ErrInsufficientData
	}

	return &storage.BehaviourProfile{
		ID:                    opts.ID,
		GeneratedAt:           opts.GeneratedAt,
		Apps:                  apps,
		AllowedInfrequentApps: append([]string(nil), opts.AllowedInfrequentApps...),
		ActiveHours:           activeHours,
		DailyTotalRangeMs:     dailyTotalRange,
	}, nil
}

// recordHours expands a record's hour bounds into the hours it covers.
func recordHours(rec storage.DailyUsageRecord) []int {
	first, last := rec.FirstHour, rec.LastHour
	if first == storage.HourNone {
		if last == storage.HourNone {
			return nil
		}
		first = last
	}
	if last == storage.HourNone || last < first {
		last = first
	}
	hours := make([]int, 0, last-first+1)
	for h := first; h <= last; h++ {
		if h >= 0 && h <= 23 {
			hours = append(hours, h)
		}
	}
	return hours
}

func markDay(sets map[int]map[string]bool, key int, day string) {
	if sets[key] == nil {
		sets[key] = make(map[string]bool)
	}
	sets[key][day] = true
}

// fractionThreshold is ceil(fraction*n), never below 1.
func fractionThreshold(fraction float64, n int) int {
	t := int(math.Ceil(fraction * float64(n)))
	if t < 1 {
		t = 1
	}
	return t
}

// thresholdKeys returns the sorted keys seen on at least minDays days.
func thresholdKeys(sets map[int]map[string]bool, minDays int) []int {
	out := make([]int, 0, len(sets))
	for key, days := range sets {
		if len(days) >= minDays {
			out = append(out, key)
		}
	}
	sort.Ints(out)
	return out
}

func daySeries(perDay map[string]int64) []float64 {
	series := make([]float64, 0, len(perDay))
	for _, v := range perDay {
		series = append(series, float64(v))
	}
	return series
}

func launchSeries(perDay map[string]int) []float64 {
	series := make([]float64, 0, len(perDay))
	for _, v := range perDay {
		series = append(series, float64(v))
	}
	return series
}

// typicalRange is the mean plus or minus the population standard
// deviation, clamped to stay non-negative and inside the observed
// values, with the upper bound always clearing the lower by at least 1.
// A single-sample series uses half the mean as its deviation.
func typicalRange(series []float64) storage.Range {
	if len(series) == 0 {
		return storage.Range{}
	}

	var sum float64
	min, max := series[0], series[0]
	for _, v := range series {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(series))

	var std float64
	if len(series) == 1 {
		std = mean / 2
	} else {
		var sq float64
		for _, v := range series {
			d := v - mean
			sq += d * d
		}
		std = math.Sqrt(sq / float64(len(series)))
	}

	low := mean - std
	if low < 0 {
		low = 0
	}
	high := mean + std
	if high < mean {
		high = mean
	}
	if high < low+1 {
		high = low + 1
	}

	// The observed-max clamp comes last so a constant series collapses
	// to [v, v] instead of inventing headroom above anything ever seen.
	if high < min {
		high = min
	}
	if high > max {
		high = max
	}

	return storage.Range{Low: int64(math.Floor(low)), High: int64(math.Ceil(high))}
}
