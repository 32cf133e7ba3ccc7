package accumulate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/appsentry/appsentry/internal/telemetry"
	"github.com/rs/zerolog"
)

type memTodayStore struct {
	storage.UsageStore
	mu   sync.Mutex
	rows map[string]storage.TodayUsage
}

func newMemTodayStore() *memTodayStore {
	return &memTodayStore{rows: make(map[string]storage.TodayUsage)}
}

func (m *memTodayStore) GetTodayUsage(_ context.Context, pkg string) (*storage.TodayUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[pkg]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &row, nil
}

func (m *memTodayStore) PutTodayUsage(_ context.Context, row storage.TodayUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.Package] = row
	return nil
}

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestApplyCreatesRowWithSingleLaunch(t *testing.T) {
	store := newMemTodayStore()
	stats := []telemetry.WindowStat{
		{
			Package:        "com.example.mail",
			ForegroundMs:   120_000,
			FirstTimestamp: noon.Add(-9 * time.Minute),
			LastTimestamp:  noon.Add(-1 * time.Minute),
		},
	}

	updated, err := Apply(context.Background(), store, stats, noon)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 row updated, got %d", updated)
	}

	row := store.rows["com.example.mail"]
	if row.LaunchCount != 1 {
		t.Errorf("new row should start with launch count 1, got %d", row.LaunchCount)
	}
	if row.ForegroundMs != 120_000 {
		t.Errorf("expected 120000ms, got %d", row.ForegroundMs)
	}
	if row.FirstHour != 11 || row.LastHour != 11 {
		t.Errorf("expected hours 11..11, got %d..%d", row.FirstHour, row.LastHour)
	}
	if row.DayOfWeek != int(noon.Weekday()) {
		t.Errorf("expected day of week %d, got %d", int(noon.Weekday()), row.DayOfWeek)
	}
}

func TestApplyMergeAddsAndWidensLastHour(t *testing.T) {
	store := newMemTodayStore()
	store.rows["com.example.mail"] = storage.TodayUsage{
		Package:      "com.example.mail",
		LaunchCount:  3,
		ForegroundMs: 60_000,
		FirstHour:    9,
		LastHour:     9,
		DayOfWeek:    int(noon.Weekday()),
	}

	stats := []telemetry.WindowStat{
		{
			Package:        "com.example.mail",
			ForegroundMs:   30_000,
			FirstTimestamp: noon.Add(-5 * time.Minute),
			LastTimestamp:  noon.Add(-time.Minute),
		},
	}
	if _, err := Apply(context.Background(), store, stats, noon); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	row := store.rows["com.example.mail"]
	if row.ForegroundMs != 90_000 {
		t.Errorf("expected merged 90000ms, got %d", row.ForegroundMs)
	}
	if row.LaunchCount != 3 {
		t.Errorf("merge must not touch launch count, got %d", row.LaunchCount)
	}
	if row.FirstHour != 9 || row.LastHour != 11 {
		t.Errorf("expected hours 9..11, got %d..%d", row.FirstHour, row.LastHour)
	}
}

func TestApplySkipsZeroTimeAndDuplicates(t *testing.T) {
	store := newMemTodayStore()
	dup := telemetry.WindowStat{
		Package:        "com.example.game",
		ForegroundMs:   45_000,
		FirstTimestamp: noon.Add(-8 * time.Minute),
		LastTimestamp:  noon.Add(-2 * time.Minute),
	}
	stats := []telemetry.WindowStat{
		dup,
		dup, // exact duplicate in one batch counts once
		{Package: "com.example.idle", ForegroundMs: 0},
	}

	updated, err := Apply(context.Background(), store, stats, noon)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 row updated, got %d", updated)
	}
	if got := store.rows["com.example.game"].ForegroundMs; got != 45_000 {
		t.Errorf("duplicate was double counted: %dms", got)
	}
	if _, ok := store.rows["com.example.idle"]; ok {
		t.Error("zero-time stat must not create a row")
	}
}

type blockingSource struct {
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (b *blockingSource) QueryWindowStats(_ context.Context, _, _ time.Time) ([]telemetry.WindowStat, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	return nil, nil
}

func (b *blockingSource) QueryWindowEvents(_ context.Context, _, _ time.Time) ([]telemetry.Event, error) {
	return nil, nil
}

func TestRunOnceIsSingleFlight(t *testing.T) {
	src := &blockingSource{release: make(chan struct{})}
	acc := New(src, newMemTodayStore(), &clock.TestClock{CurrentTime: noon}, Config{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- acc.RunOnce(context.Background()) }()

	// Wait for the first pass to enter the telemetry query.
	deadline := time.After(2 * time.Second)
	for {
		src.mu.Lock()
		started := src.calls > 0
		src.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first pass never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A second call while the first is in flight must be a silent no-op.
	if err := acc.RunOnce(context.Background()); err != nil {
		t.Fatalf("overlapping pass returned error: %v", err)
	}
	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	if calls != 1 {
		t.Fatalf("overlapping pass queried telemetry, calls=%d", calls)
	}

	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
}

type errSource struct{}

func (errSource) QueryWindowStats(_ context.Context, _, _ time.Time) ([]telemetry.WindowStat, error) {
	return nil, errors.New("telemetry unavailable")
}

func (errSource) QueryWindowEvents(_ context.Context, _, _ time.Time) ([]telemetry.Event, error) {
	return nil, nil
}

func TestRunOnceKeepsWindowOnFailure(t *testing.T) {
	acc := New(errSource{}, newMemTodayStore(), &clock.TestClock{CurrentTime: noon}, Config{}, zerolog.Nop())

	if err := acc.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from failing source")
	}
	if !acc.lastWindowEnd.IsZero() {
		t.Error("failed pass must not advance the window")
	}
}
