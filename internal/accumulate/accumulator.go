package accumulate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/metrics"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/appsentry/appsentry/internal/telemetry"
	"github.com/rs/zerolog"
)

// DefaultInterval is the default gap between accumulation passes.
const DefaultInterval = 10 * time.Minute

// Accumulator keeps a best-effort running total per app for the current
// UTC day by periodically querying the incremental telemetry window and
// merge-adding it into the stored today rows.
type Accumulator struct {
	source   telemetry.Source
	usage    storage.UsageStore
	clk      clock.Clock
	interval time.Duration
	logger   zerolog.Logger

	// passMu serializes accumulation passes; an overlapping tick is
	// skipped rather than queued.
	passMu        sync.Mutex
	lastWindowEnd time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// Config holds accumulator configuration
type Config struct {
	Interval time.Duration
}

// New creates a new Accumulator.
func New(source telemetry.Source, usage storage.UsageStore, clk clock.Clock, config Config, logger zerolog.Logger) *Accumulator {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	return &Accumulator{
		source:   source,
		usage:    usage,
		clk:      clk,
		interval: config.Interval,
		logger:   logger.With().Str("component", "accumulator").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic accumulation loop.
func (a *Accumulator) Start(ctx context.Context) {
	go a.run(ctx)
	a.logger.Info().Dur("interval", a.interval).Msg("Today accumulator started")
}

// Stop stops the accumulation loop.
func (a *Accumulator) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
	a.logger.Info().Msg("Today accumulator stopped")
}

func (a *Accumulator) run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.Error().Err(err).Msg("Accumulation pass failed")
			}
		case <-a.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one accumulation pass over the telemetry window that
// opened when the previous pass ended (or at the UTC day start, whichever
// is later). Only one pass runs at a time; an overlapping call is a no-op.
func (a *Accumulator) RunOnce(ctx context.Context) error {
	if !a.passMu.TryLock() {
		a.logger.Debug().Msg("Accumulation pass already in flight, skipping")
		return nil
	}
	defer a.passMu.Unlock()

	now := a.clk.Now().UTC()
	dayStart := storage.DayStart(now)

	windowStart := a.lastWindowEnd
	if windowStart.Before(dayStart) {
		// First pass of the day. The rollover engine owns archiving
		// yesterday's rows, so the window never crosses the boundary.
		windowStart = dayStart
	}
	if !windowStart.Before(now) {
		return nil
	}

	stats, err := a.source.QueryWindowStats(ctx, windowStart, now)
	if err != nil {
		return fmt.Errorf("query window stats: %w", err)
	}

	updated, err := Apply(ctx, a.usage, stats, now)
	if err != nil {
		return err
	}

	// Advance the window only after a fully successful pass so a failed
	// pass is re-covered by the next tick.
	a.lastWindowEnd = now
	metrics.AccumulatorPasses.Inc()

	a.logger.Debug().
		Time("window_start", windowStart).
		Time("window_end", now).
		Int("rows_updated", updated).
		Msg("Accumulation pass complete")
	return nil
}

// Apply merge-adds one incremental window of stat entries into the today
// rows. Exact duplicate entries within the batch are counted once; per
// package the batch is collapsed to a single read-modify-write. Callers
// must pass only the incremental window, passes are strictly additive.
func Apply(ctx context.Context, usage storage.UsageStore, stats []telemetry.WindowStat, now time.Time) (int, error) {
	now = now.UTC()

	type delta struct {
		foregroundMs int64
		lastSeen     time.Time
		firstSeen    time.Time
	}

	seen := make(map[string]bool)
	byPkg := make(map[string]*delta)
	for _, st := range stats {
		if st.Package == "" || st.ForegroundMs <= 0 {
			continue
		}
		fingerprint := fmt.Sprintf("%s|%d|%d|%d",
			st.Package, st.FirstTimestamp.UnixMilli(), st.LastTimestamp.UnixMilli(), st.ForegroundMs)
		if seen[fingerprint] {
			continue
		}
		seen[fingerprint] = true

		d := byPkg[st.Package]
		if d == nil {
			d = &delta{}
			byPkg[st.Package] = d
		}
		d.foregroundMs += st.ForegroundMs
		if st.LastTimestamp.After(d.lastSeen) {
			d.lastSeen = st.LastTimestamp
		}
		if d.firstSeen.IsZero() || st.FirstTimestamp.Before(d.firstSeen) {
			d.firstSeen = st.FirstTimestamp
		}
	}

	updated := 0
	for pkg, d := range byPkg {
		observedHour := storage.HourNone
		if !d.lastSeen.IsZero() {
			observedHour = d.lastSeen.UTC().Hour()
		}

		row, err := usage.GetTodayUsage(ctx, pkg)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			firstHour := storage.HourNone
			if !d.firstSeen.IsZero() {
				firstHour = d.firstSeen.UTC().Hour()
			}
			row = &storage.TodayUsage{
				Package:      pkg,
				LaunchCount:  1,
				ForegroundMs: d.foregroundMs,
				FirstHour:    firstHour,
				LastHour:     observedHour,
				DayOfWeek:    int(now.Weekday()),
			}
		case err != nil:
			return updated, fmt.Errorf("get today row for %s: %w", pkg, err)
		default:
			row.ForegroundMs += d.foregroundMs
			if observedHour != storage.HourNone && observedHour > row.LastHour {
				row.LastHour = observedHour
			}
			row.DayOfWeek = int(now.Weekday())
		}

		if row.FirstHour != storage.HourNone && row.LastHour != storage.HourNone && row.LastHour < row.FirstHour {
			row.LastHour = row.FirstHour
		}

		if err := usage.PutTodayUsage(ctx, *row); err != nil {
			return updated, fmt.Errorf("put today row for %s: %w", pkg, err)
		}
		updated++
	}

	return updated, nil
}
