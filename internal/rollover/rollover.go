package rollover

import (
	"context"
	"fmt"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/metrics"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultRetentionDays is how long archived daily records are kept.
	DefaultRetentionDays = 90

	// DefaultMaxRetries bounds rollover attempts within one schedule tick.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the pause between rollover attempts.
	DefaultRetryBackoff = 30 * time.Second
)

// Engine archives the today rows into dated daily records and clears
// the accumulator, then retires records older than the retention window.
type Engine struct {
	usage         storage.UsageStore
	clk           clock.Clock
	retentionDays int
	logger        zerolog.Logger
}

// Config holds rollover engine configuration
type Config struct {
	RetentionDays int
}

// NewEngine creates a rollover engine.
func NewEngine(usage storage.UsageStore, clk clock.Clock, config Config, logger zerolog.Logger) *Engine {
	if config.RetentionDays == 0 {
		config.RetentionDays = DefaultRetentionDays
	}
	return &Engine{
		usage:         usage,
		clk:           clk,
		retentionDays: config.RetentionDays,
		logger:        logger.With().Str("component", "rollover").Logger(),
	}
}

// Run archives every today row as a daily record for the day that just
// ended and clears the accumulator. Archiving replaces by (package, day),
// so a retry after a partial failure never duplicates records, and the
// accumulator is only cleared once every row has been archived.
func (e *Engine) Run(ctx context.Context) error {
	now := e.clk.Now().UTC()
	dayStart := storage.DayStart(now).AddDate(0, 0, -1)
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := e.usage.ListTodayUsage(ctx)
	if err != nil {
		return fmt.Errorf("list today rows: %w", err)
	}

	for _, row := range rows {
		rec := recordFromRow(row, dayStart, dayEnd, now)
		if err := e.usage.PutDailyRecord(ctx, rec); err != nil {
			return fmt.Errorf("archive %s: %w", row.Package, err)
		}
	}

	cleared, err := e.usage.ClearTodayUsage(ctx)
	if err != nil {
		return fmt.Errorf("clear today rows: %w", err)
	}

	e.logger.Info().
		Str("day", storage.DayKey(dayStart)).
		Int("archived", len(rows)).
		Int("cleared", cleared).
		Msg("Daily rollover complete")

	if err := e.sweep(ctx, now); err != nil {
		// The archive already succeeded; retention catches up next tick.
		e.logger.Error().Err(err).Msg("Retention sweep failed")
	}
	return nil
}

func (e *Engine) sweep(ctx context.Context, now time.Time) error {
	cutoff := storage.DayStart(now).AddDate(0, 0, -e.retentionDays)
	deleted, err := e.usage.DeleteDailyRecordsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		metrics.RecordsRetired.Add(float64(deleted))
		e.logger.Info().
			Int("records_deleted", deleted).
			Str("cutoff", storage.DayKey(cutoff)).
			Msg("Retired daily records past retention")
	}
	return nil
}

func recordFromRow(row storage.TodayUsage, dayStart, dayEnd, now time.Time) storage.DailyUsageRecord {
	firstHour := row.FirstHour
	lastHour := row.LastHour
	if firstHour != storage.HourNone && lastHour != storage.HourNone && lastHour < firstHour {
		lastHour = firstHour
	}
	foregroundMs := row.ForegroundMs
	if dayLen := dayEnd.Sub(dayStart).Milliseconds(); foregroundMs > dayLen {
		foregroundMs = dayLen
	}
	return storage.DailyUsageRecord{
		Package:      row.Package,
		DayStart:     dayStart,
		DayEnd:       dayEnd,
		ForegroundMs: foregroundMs,
		LaunchCount:  row.LaunchCount,
		FirstHour:    firstHour,
		LastHour:     lastHour,
		DayOfWeek:    int(dayStart.Weekday()),
		RecordedAt:   now,
	}
}
