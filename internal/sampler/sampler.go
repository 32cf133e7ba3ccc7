package sampler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/appsentry/appsentry/internal/telemetry"
)

// DefaultWindow is the default trailing sample window.
const DefaultWindow = 15 * time.Minute

// Sample is one app's activity inside the trailing window. Samples are
// transient detector input and are never persisted.
type Sample struct {
	Package      string
	ForegroundMs int64
	LaunchCount  int
	FirstHour    int
	LastHour     int
}

// Sampler snapshots recent activity from the telemetry source.
type Sampler struct {
	source telemetry.Source
	clk    clock.Clock
	window time.Duration
}

// New creates a Sampler over the given trailing window.
func New(source telemetry.Source, clk clock.Clock, window time.Duration) *Sampler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sampler{source: source, clk: clk, window: window}
}

// Window returns the trailing window duration.
func (s *Sampler) Window() time.Duration {
	return s.window
}

// Snapshot samples the trailing window ending now. Open sessions are
// closed at the sample boundary. An idle window yields zero samples.
func (s *Sampler) Snapshot(ctx context.Context) ([]Sample, error) {
	end := s.clk.Now().UTC()
	start := end.Add(-s.window)

	stats, err := s.source.QueryWindowStats(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("query window stats: %w", err)
	}
	events, err := s.source.QueryWindowEvents(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("query window events: %w", err)
	}

	return buildSamples(stats, events, start, end), nil
}

func buildSamples(stats []telemetry.WindowStat, events []telemetry.Event, start, end time.Time) []Sample {
	seen := make(map[string]bool)
	statMs := make(map[string]int64)
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
		statMs[st.Package] += st.ForegroundMs
	}

	activity := telemetry.AggregateWindow(events, start, end)

	packages := make(map[string]bool, len(statMs)+len(activity))
	for pkg := range statMs {
		packages[pkg] = true
	}
	for pkg := range activity {
		packages[pkg] = true
	}

	samples := make([]Sample, 0, len(packages))
	for pkg := range packages {
		act := activity[pkg]
		foregroundMs := statMs[pkg]
		if act.ForegroundMs > foregroundMs {
			foregroundMs = act.ForegroundMs
		}

		firstHour := storage.HourNone
		lastHour := storage.HourNone
		if !act.FirstTimestamp.IsZero() {
			firstHour = act.FirstTimestamp.UTC().Hour()
		}
		if !act.LastTimestamp.IsZero() {
			lastHour = act.LastTimestamp.UTC().Hour()
		}
		if firstHour != storage.HourNone && lastHour != storage.HourNone && lastHour < firstHour {
			lastHour = firstHour
		}

		if foregroundMs <= 0 && act.Launches == 0 {
			continue
		}

		samples = append(samples, Sample{
			Package:      pkg,
			ForegroundMs: foregroundMs,
			LaunchCount:  act.Launches,
			FirstHour:    firstHour,
			LastHour:     lastHour,
		})
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Package < samples[j].Package })
	return samples
}
