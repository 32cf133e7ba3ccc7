package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Journal is a file-backed Source reading newline-delimited JSON events
// appended by a platform collector. Window stats are derived from the same
// event log by session pairing, so a journal with only transition events is
// a complete telemetry source.
type Journal struct {
	path   string
	logger zerolog.Logger
}

// NewJournal creates a journal source for the given event log path.
func NewJournal(path string, logger zerolog.Logger) *Journal {
	return &Journal{
		path:   path,
		logger: logger.With().Str("component", "telemetry-journal").Logger(),
	}
}

// QueryWindowEvents returns the journal events in [start, end), ordered by
// timestamp. A missing journal is "no data", not an error.
func (j *Journal) QueryWindowEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	skipped := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			skipped++
			continue
		}
		if ev.Timestamp.Before(start) || !ev.Timestamp.Before(end) {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if skipped > 0 {
		j.logger.Debug().Int("skipped", skipped).Msg("Skipped malformed journal lines")
	}

	sort.SliceStable(events, func(i, k int) bool {
		return events[i].Timestamp.Before(events[k].Timestamp)
	})
	return events, nil
}

// QueryWindowStats derives per-package stat entries for [start, end) from
// the event log.
func (j *Journal) QueryWindowStats(ctx context.Context, start, end time.Time) ([]WindowStat, error) {
	events, err := j.QueryWindowEvents(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	activity := AggregateWindow(events, start, end)
	stats := make([]WindowStat, 0, len(activity))
	for pkg, act := range activity {
		if act.ForegroundMs <= 0 && act.Launches == 0 {
			continue
		}
		stats = append(stats, WindowStat{
			Package:        pkg,
			ForegroundMs:   act.ForegroundMs,
			FirstTimestamp: act.FirstTimestamp,
			LastTimestamp:  act.LastTimestamp,
		})
	}
	sort.Slice(stats, func(i, k int) bool { return stats[i].Package < stats[k].Package })
	return stats, nil
}
