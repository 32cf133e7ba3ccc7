package telemetry

import (
	"sort"
	"time"
)

// WindowActivity summarizes one package's activity inside a query window.
type WindowActivity struct {
	Launches       int
	ForegroundMs   int64
	FirstTimestamp time.Time
	LastTimestamp  time.Time
}

// AggregateWindow walks events in timestamp order and pairs foreground
// enter/exit transitions per package, scoped to [start, end).
//
// A session still open at the window boundary is closed at the boundary,
// not dropped; the close contributes foreground time but never pushes
// LastTimestamp past the last observed event. A screen-off or shutdown
// event with an empty package closes every open session.
func AggregateWindow(events []Event, start, end time.Time) map[string]WindowActivity {
	sorted := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.Before(start) || !ev.Timestamp.Before(end) {
			continue
		}
		sorted = append(sorted, ev)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	activity := make(map[string]WindowActivity)
	open := make(map[string]time.Time) // package -> session start

	touch := func(pkg string, ts time.Time) WindowActivity {
		act := activity[pkg]
		if act.FirstTimestamp.IsZero() || ts.Before(act.FirstTimestamp) {
			act.FirstTimestamp = ts
		}
		if ts.After(act.LastTimestamp) {
			act.LastTimestamp = ts
		}
		activity[pkg] = act
		return act
	}

	closeSession := func(pkg string, ts time.Time) {
		startedAt, ok := open[pkg]
		if !ok {
			return
		}
		act := activity[pkg]
		act.ForegroundMs += ts.Sub(startedAt).Milliseconds()
		activity[pkg] = act
		delete(open, pkg)
	}

	for _, ev := range sorted {
		switch ev.Kind {
		case EventForegroundEnter:
			if ev.Package == "" {
				continue
			}
			// A second enter without an exit restarts the session.
			closeSession(ev.Package, ev.Timestamp)
			act := touch(ev.Package, ev.Timestamp)
			act.Launches++
			activity[ev.Package] = act
			open[ev.Package] = ev.Timestamp
		case EventForegroundExit:
			if ev.Package == "" {
				continue
			}
			touch(ev.Package, ev.Timestamp)
			closeSession(ev.Package, ev.Timestamp)
		case EventInteraction:
			if ev.Package == "" {
				continue
			}
			touch(ev.Package, ev.Timestamp)
		case EventScreenOff, EventShutdown:
			if ev.Package == "" {
				for pkg := range open {
					closeSession(pkg, ev.Timestamp)
				}
				continue
			}
			touch(ev.Package, ev.Timestamp)
			closeSession(ev.Package, ev.Timestamp)
		}
	}

	// Sessions still open at the boundary are closed there.
	for pkg, startedAt := range open {
		act := activity[pkg]
		act.ForegroundMs += end.Sub(startedAt).Milliseconds()
		activity[pkg] = act
	}

	return activity
}
