package telemetry

import (
	"context"
	"time"
)

// Source exposes the narrow OS telemetry capability the pipeline needs.
// Platform adapters implement it; the core never inspects OS-specific types.
//
// Both queries return ("no data", nil) rather than an error when the usage
// access permission is not granted.
type Source interface {
	QueryWindowStats(ctx context.Context, start, end time.Time) ([]WindowStat, error)
	QueryWindowEvents(ctx context.Context, start, end time.Time) ([]Event, error)
}
