package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind identifies a raw OS usage transition.
type EventKind string

const (
	EventForegroundEnter EventKind = "FOREGROUND_ENTER"
	EventForegroundExit  EventKind = "FOREGROUND_EXIT"
	EventInteraction     EventKind = "INTERACTION"
	EventScreenOff       EventKind = "SCREEN_OFF"
	EventShutdown        EventKind = "SHUTDOWN"
)

// UnmarshalJSON normalizes the kind to uppercase and validates it.
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := EventKind(strings.ToUpper(s))
	switch normalized {
	case EventForegroundEnter, EventForegroundExit, EventInteraction, EventScreenOff, EventShutdown:
		*k = normalized
		return nil
	default:
		return fmt.Errorf("invalid event kind: %s", s)
	}
}

// MarshalJSON ensures uppercase output.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// Event is a single immutable usage transition produced by the OS.
// Events are ordered by timestamp but may arrive with gaps.
type Event struct {
	Package   string    `json:"package"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
}

// WindowStat is a raw per-package usage-stat entry for a query window.
// The OS may report several entries for the same package in one window.
type WindowStat struct {
	Package        string    `json:"package"`
	ForegroundMs   int64     `json:"foreground_ms"`
	FirstTimestamp time.Time `json:"first_timestamp"`
	LastTimestamp  time.Time `json:"last_timestamp"`
}
