package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/appsentry/appsentry/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "appsentry.bolt"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	return store
}

func day(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(storage.DayKeyFormat, value)
	if err != nil {
		t.Fatalf("parse day %q: %v", value, err)
	}
	return parsed.UTC()
}

func dailyRecord(t *testing.T, pkg, dayKey string, ms int64) storage.DailyUsageRecord {
	t.Helper()
	start := day(t, dayKey)
	return storage.DailyUsageRecord{
		Package:      pkg,
		DayStart:     start,
		DayEnd:       start.Add(24 * time.Hour),
		ForegroundMs: ms,
		LaunchCount:  1,
		FirstHour:    9,
		LastHour:     10,
		DayOfWeek:    int(start.Weekday()),
		RecordedAt:   start.Add(25 * time.Hour),
	}
}

func TestUsageStorePutDailyRecordReplacesKey(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	usage := store.Usage()
	ctx := context.Background()

	if err := usage.PutDailyRecord(ctx, dailyRecord(t, "com.example.mail", "2024-03-01", 1000)); err != nil {
		t.Fatalf("put daily record: %v", err)
	}
	if err := usage.PutDailyRecord(ctx, dailyRecord(t, "com.example.mail", "2024-03-01", 2500)); err != nil {
		t.Fatalf("put daily record again: %v", err)
	}

	rec, err := usage.GetDailyRecord(ctx, "2024-03-01", "com.example.mail")
	if err != nil {
		t.Fatalf("get daily record: %v", err)
	}
	if rec.ForegroundMs != 2500 {
		t.Fatalf("expected replacement to win with 2500ms, got %d", rec.ForegroundMs)
	}
}

func TestUsageStoreListDailyRecordsWindow(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	usage := store.Usage()
	ctx := context.Background()

	for _, rec := range []storage.DailyUsageRecord{
		dailyRecord(t, "com.example.mail", "2024-02-28", 100),
		dailyRecord(t, "com.example.mail", "2024-03-01", 200),
		dailyRecord(t, "com.example.maps", "2024-03-01", 300),
		dailyRecord(t, "com.example.mail", "2024-03-05", 400),
	} {
		if err := usage.PutDailyRecord(ctx, rec); err != nil {
			t.Fatalf("put daily record: %v", err)
		}
	}

	records, err := usage.ListDailyRecords(ctx, day(t, "2024-03-01"), day(t, "2024-03-04"))
	if err != nil {
		t.Fatalf("list daily records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records in window, got %d", len(records))
	}
	for _, rec := range records {
		if rec.DayKey() != "2024-03-01" {
			t.Fatalf("unexpected day %s in window", rec.DayKey())
		}
	}

	// The upper bound is exclusive: a window ending on a record's day
	// leaves that record out.
	records, err = usage.ListDailyRecords(ctx, day(t, "2024-02-28"), day(t, "2024-03-01"))
	if err != nil {
		t.Fatalf("list daily records: %v", err)
	}
	if len(records) != 1 || records[0].DayKey() != "2024-02-28" {
		t.Fatalf("expected only 2024-02-28 below the exclusive bound, got %v", records)
	}
}

func TestUsageStoreDeleteDailyRecordsBefore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	usage := store.Usage()
	ctx := context.Background()

	for _, rec := range []storage.DailyUsageRecord{
		dailyRecord(t, "com.example.mail", "2024-01-10", 100),
		dailyRecord(t, "com.example.maps", "2024-01-15", 200),
		dailyRecord(t, "com.example.mail", "2024-02-01", 300),
	} {
		if err := usage.PutDailyRecord(ctx, rec); err != nil {
			t.Fatalf("put daily record: %v", err)
		}
	}

	deleted, err := usage.DeleteDailyRecordsBefore(ctx, day(t, "2024-02-01"))
	if err != nil {
		t.Fatalf("delete daily records before: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted records, got %d", deleted)
	}

	remaining, err := usage.ListDailyRecords(ctx, day(t, "2024-01-01"), day(t, "2024-03-01"))
	if err != nil {
		t.Fatalf("list daily records: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DayKey() != "2024-02-01" {
		t.Fatalf("expected only 2024-02-01 to remain, got %v", remaining)
	}
}

func TestUsageStoreTodayRows(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	usage := store.Usage()
	ctx := context.Background()

	if _, err := usage.GetTodayUsage(ctx, "com.example.mail"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}

	rows := []storage.TodayUsage{
		{Package: "com.example.mail", LaunchCount: 2, ForegroundMs: 60_000, FirstHour: 8, LastHour: 9, DayOfWeek: 2},
		{Package: "com.example.maps", LaunchCount: 1, ForegroundMs: 30_000, FirstHour: 12, LastHour: 12, DayOfWeek: 2},
	}
	for _, row := range rows {
		if err := usage.PutTodayUsage(ctx, row); err != nil {
			t.Fatalf("put today usage: %v", err)
		}
	}

	listed, err := usage.ListTodayUsage(ctx)
	if err != nil {
		t.Fatalf("list today usage: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(listed))
	}

	cleared, err := usage.ClearTodayUsage(ctx)
	if err != nil {
		t.Fatalf("clear today usage: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("expected 2 cleared rows, got %d", cleared)
	}

	listed, err = usage.ListTodayUsage(ctx)
	if err != nil {
		t.Fatalf("list today usage after clear: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty accumulator after clear, got %d rows", len(listed))
	}
}

func TestProfileStoreReplaceAndGet(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	profiles := store.Profiles()
	ctx := context.Background()

	if _, err := profiles.Get(ctx, "user_default"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing profile, got %v", err)
	}

	first := storage.BehaviourProfile{
		ID:          "user_default",
		GeneratedAt: time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC),
		Apps: []storage.AppProfile{
			{
				Package:           "com.example.mail",
				ForegroundRangeMs: storage.Range{Low: 60_000, High: 300_000},
				LaunchRange:       storage.Range{Low: 1, High: 5},
				CommonHours:       []int{8, 9, 10},
				CommonDays:        []int{1, 2, 3},
			},
		},
		ActiveHours:       []int{8, 9, 10, 20},
		DailyTotalRangeMs: storage.Range{Low: 600_000, High: 3_600_000},
	}
	if err := profiles.Replace(ctx, first); err != nil {
		t.Fatalf("replace profile: %v", err)
	}

	second := first
	second.Apps = nil
	second.ActiveHours = []int{21, 22}
	if err := profiles.Replace(ctx, second); err != nil {
		t.Fatalf("replace profile again: %v", err)
	}

	got, err := profiles.Get(ctx, "user_default")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if len(got.Apps) != 0 {
		t.Fatalf("expected replacement to drop app rows, got %d", len(got.Apps))
	}
	if len(got.ActiveHours) != 2 || got.ActiveHours[0] != 21 {
		t.Fatalf("unexpected active hours after replace: %v", got.ActiveHours)
	}

	if err := profiles.Delete(ctx, "user_default"); err != nil {
		t.Fatalf("delete profile: %v", err)
	}
	if _, err := profiles.Get(ctx, "user_default"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
