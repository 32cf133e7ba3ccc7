package rollover

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/appsentry/appsentry/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func openTestUsage(t *testing.T) storage.UsageStore {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "appsentry.bolt"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store.Usage()
}

// Rollover runs shortly after the UTC boundary, so "now" is early on the
// day after the rows were accumulated.
var afterMidnight = time.Date(2026, 3, 11, 0, 0, 30, 0, time.UTC)

func TestRunArchivesAndClears(t *testing.T) {
	ctx := context.Background()
	usage := openTestUsage(t)

	rows := []storage.TodayUsage{
		{Package: "com.example.mail", LaunchCount: 4, ForegroundMs: 300_000, FirstHour: 9, LastHour: 21, DayOfWeek: 2},
		{Package: "com.example.game", LaunchCount: 1, ForegroundMs: 45_000, FirstHour: 20, LastHour: 20, DayOfWeek: 2},
	}
	for _, row := range rows {
		if err := usage.PutTodayUsage(ctx, row); err != nil {
			t.Fatalf("seed today row: %v", err)
		}
	}

	engine := NewEngine(usage, &clock.TestClock{CurrentTime: afterMidnight}, Config{}, zerolog.Nop())
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("rollover failed: %v", err)
	}

	yesterday := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	rec, err := usage.GetDailyRecord(ctx, storage.DayKey(yesterday), "com.example.mail")
	if err != nil {
		t.Fatalf("archived record missing: %v", err)
	}
	if rec.ForegroundMs != 300_000 || rec.LaunchCount != 4 {
		t.Errorf("archived totals wrong: %dms, %d launches", rec.ForegroundMs, rec.LaunchCount)
	}
	if rec.FirstHour != 9 || rec.LastHour != 21 {
		t.Errorf("archived hours wrong: %d..%d", rec.FirstHour, rec.LastHour)
	}
	if rec.DayOfWeek != int(yesterday.Weekday()) {
		t.Errorf("day of week must come from the archived day, got %d", rec.DayOfWeek)
	}

	remaining, err := usage.ListTodayUsage(ctx)
	if err != nil {
		t.Fatalf("list today rows: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("accumulator not cleared, %d rows remain", len(remaining))
	}
}

func TestRunIsIdempotentOnRetry(t *testing.T) {
	ctx := context.Background()
	usage := openTestUsage(t)

	row := storage.TodayUsage{Package: "com.example.mail", LaunchCount: 2, ForegroundMs: 120_000, FirstHour: 10, LastHour: 11}
	if err := usage.PutTodayUsage(ctx, row); err != nil {
		t.Fatalf("seed today row: %v", err)
	}

	engine := NewEngine(usage, &clock.TestClock{CurrentTime: afterMidnight}, Config{}, zerolog.Nop())
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("first rollover failed: %v", err)
	}

	// Simulate a retry after archive succeeded but clear was doubted:
	// re-seed the same row and roll over again.
	if err := usage.PutTodayUsage(ctx, row); err != nil {
		t.Fatalf("re-seed today row: %v", err)
	}
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("second rollover failed: %v", err)
	}

	yesterday := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	records, err := usage.ListDailyRecords(ctx, yesterday, yesterday.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("retry duplicated the record: %d records", len(records))
	}
	if records[0].ForegroundMs != 120_000 {
		t.Errorf("retry changed totals: %dms", records[0].ForegroundMs)
	}
}

func TestRunRetiresRecordsPastRetention(t *testing.T) {
	ctx := context.Background()
	usage := openTestUsage(t)

	old := storage.DayStart(afterMidnight).AddDate(0, 0, -91)
	kept := storage.DayStart(afterMidnight).AddDate(0, 0, -30)
	for _, day := range []time.Time{old, kept} {
		rec := storage.DailyUsageRecord{
			Package:      "com.example.mail",
			DayStart:     day,
			DayEnd:       day.Add(24 * time.Hour),
			ForegroundMs: 60_000,
			LaunchCount:  1,
			FirstHour:    9,
			LastHour:     10,
			DayOfWeek:    int(day.Weekday()),
			RecordedAt:   day.Add(25 * time.Hour),
		}
		if err := usage.PutDailyRecord(ctx, rec); err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}

	engine := NewEngine(usage, &clock.TestClock{CurrentTime: afterMidnight}, Config{}, zerolog.Nop())
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("rollover failed: %v", err)
	}

	if _, err := usage.GetDailyRecord(ctx, storage.DayKey(old), "com.example.mail"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record past retention survived the sweep: %v", err)
	}
	if _, err := usage.GetDailyRecord(ctx, storage.DayKey(kept), "com.example.mail"); err != nil {
		t.Errorf("record inside retention was deleted: %v", err)
	}
}

func TestRecordFromRowClampsHours(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	rec := recordFromRow(storage.TodayUsage{
		Package:   "com.example.game",
		FirstHour: 14,
		LastHour:  9,
	}, day, day.Add(24*time.Hour), afterMidnight)

	if rec.LastHour != rec.FirstHour {
		t.Errorf("expected clamp to %d, got %d", rec.FirstHour, rec.LastHour)
	}
}

func TestRecordFromRowClampsForegroundToDayLength(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	rec := recordFromRow(storage.TodayUsage{
		Package:      "com.example.game",
		ForegroundMs: 40 * 60 * 60 * 1000,
		FirstHour:    0,
		LastHour:     23,
	}, day, day.Add(24*time.Hour), afterMidnight)

	dayLen := int64(24 * 60 * 60 * 1000)
	if rec.ForegroundMs != dayLen {
		t.Errorf("expected foreground time clamped to %d, got %d", dayLen, rec.ForegroundMs)
	}
}
