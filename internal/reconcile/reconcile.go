package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/appsentry/appsentry/internal/metrics"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/appsentry/appsentry/internal/telemetry"
	"github.com/rs/zerolog"
)

// Reconciler transforms raw OS telemetry for a finished day into one
// clean DailyUsageRecord per package.
type Reconciler struct {
	source telemetry.Source
	logger zerolog.Logger
}

// New creates a Reconciler reading from the given telemetry source.
func New(source telemetry.Source, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		source: source,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// ReconcileDay queries both telemetry surfaces for the UTC day containing
// the given time and merges them into per-package records. An empty day
// yields zero records and no error.
func (r *Reconciler) ReconcileDay(ctx context.Context, day time.Time) ([]storage.DailyUsageRecord, error) {
	dayStart := storage.DayStart(day)
	dayEnd := dayStart.Add(24 * time.Hour)

	stats, err := r.source.QueryWindowStats(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("query window stats: %w", err)
	}

	events, err := r.source.QueryWindowEvents(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("query window events: %w", err)
	}

	records := BuildDay(dayStart, stats, events)
	r.logger.Debug().
		Str("day", storage.DayKey(dayStart)).
		Int("stats", len(stats)).
		Int("events", len(events)).
		Int("records", len(records)).
		Msg("Reconciled day")
	return records, nil
}

// BuildDay merges raw stat entries and paired events for one UTC day
// into per-package records. Exact duplicate stat entries are dropped,
// remaining entries for the same package are summed, and hour bounds
// come only from events observed inside the day.
func BuildDay(dayStart time.Time, stats []telemetry.WindowStat, events []telemetry.Event) []storage.DailyUsageRecord {
	dayStart = storage.DayStart(dayStart)
	dayEnd := dayStart.Add(24 * time.Hour)

	type statTotals struct {
		foregroundMs int64
		lastSeen     time.Time
	}

	seen := make(map[string]bool)
	byPkg := make(map[string]statTotals)
	for _, st := range stats {
		if st.Package == "" {
			continue
		}
		fingerprint := fmt.Sprintf("%s|%d|%d|%d",
			st.Package, st.FirstTimestamp.UnixMilli(), st.LastTimestamp.UnixMilli(), st.ForegroundMs)
		if seen[fingerprint] {
			continue
		}
		seen[fingerprint] = true

		totals := byPkg[st.Package]
		totals.foregroundMs += st.ForegroundMs
		if st.LastTimestamp.After(totals.lastSeen) {
			totals.lastSeen = st.LastTimestamp
		}
		byPkg[st.Package] = totals
	}

	activity := telemetry.AggregateWindow(events, dayStart, dayEnd)

	packages := make(map[string]bool, len(byPkg)+len(activity))
	for pkg := range byPkg {
		packages[pkg] = true
	}
	for pkg := range activity {
		packages[pkg] = true
	}

	now := time.Now().UTC()
	records := make([]storage.DailyUsageRecord, 0, len(packages))
	for pkg := range packages {
		totals := byPkg[pkg]
		act := activity[pkg]

		foregroundMs := totals.foregroundMs
		if act.ForegroundMs > foregroundMs {
			// Events carry more signal than the stat entry when the OS
			// under-reported the window.
			foregroundMs = act.ForegroundMs
		}
		// Near-duplicate stat entries survive the fingerprint dedupe and
		// sum past the day length; a day can hold at most a day of use.
		if dayLen := dayEnd.Sub(dayStart).Milliseconds(); foregroundMs > dayLen {
			foregroundMs = dayLen
		}

		firstHour := storage.HourNone
		lastHour := storage.HourNone
		if !act.FirstTimestamp.IsZero() {
			firstHour = act.FirstTimestamp.UTC().Hour()
		}
		if !act.LastTimestamp.IsZero() {
			lastHour = act.LastTimestamp.UTC().Hour()
		} else if !totals.lastSeen.IsZero() && !totals.lastSeen.Before(dayStart) && totals.lastSeen.Before(dayEnd) {
			lastHour = totals.lastSeen.UTC().Hour()
		}
		if firstHour != storage.HourNone && lastHour != storage.HourNone && lastHour < firstHour {
			lastHour = firstHour
		}

		if foregroundMs <= 0 && act.Launches == 0 && firstHour == storage.HourNone && lastHour == storage.HourNone {
			continue
		}

		records = append(records, storage.DailyUsageRecord{
			Package:      pkg,
			DayStart:     dayStart,
			DayEnd:       dayEnd,
			ForegroundMs: foregroundMs,
			LaunchCount:  act.Launches,
			FirstHour:    firstHour,
			LastHour:     lastHour,
			DayOfWeek:    int(dayStart.Weekday()),
			RecordedAt:   now,
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Package < records[j].Package
	})
	return records
}

// Backfill reconciles and persists the given number of finished days
// ending with yesterday relative to now. Days that produce no records
// are skipped silently.
func (r *Reconciler) Backfill(ctx context.Context, usage storage.UsageStore, now time.Time, days int) (int, error) {
	total := 0
	today := storage.DayStart(now)
	for i := days; i >= 1; i-- {
		day := today.AddDate(0, 0, -i)
		records, err := r.ReconcileDay(ctx, day)
		if err != nil {
			return total, fmt.Errorf("reconcile %s: %w", storage.DayKey(day), err)
		}
		for _, rec := range records {
			if err := usage.PutDailyRecord(ctx, rec); err != nil {
				return total, fmt.Errorf("persist %s/%s: %w", rec.DayKey(), rec.Package, err)
			}
			total++
		}
	}
	if total > 0 {
		metrics.RecordsReconciled.Add(float64(total))
		r.logger.Info().Int("days", days).Int("records", total).Msg("Backfill complete")
	}
	return total, nil
}
