package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Usage() UsageStore
	Profiles() ProfileStore
}

// UsageStore manages historical daily records and the running
// same-day accumulator.
//
// PutDailyRecord is keyed by (package, day) and replaces any existing
// record for that key, so archiving the same day twice cannot produce
// duplicates or inflated totals.
//
// ListDailyRecords returns records with from <= day < to. The exclusive
// upper bound lets callers pass the current day start to mean "finished
// days only" without ever picking up a same-day record.
type UsageStore interface {
	PutDailyRecord(ctx context.Context, rec DailyUsageRecord) error
	GetDailyRecord(ctx context.Context, day string, pkg string) (*DailyUsageRecord, error)
	ListDailyRecords(ctx context.Context, from, to time.Time) ([]DailyUsageRecord, error)
	DeleteDailyRecordsBefore(ctx context.Context, cutoff time.Time) (int, error)

	GetTodayUsage(ctx context.Context, pkg string) (*TodayUsage, error)
	PutTodayUsage(ctx context.Context, row TodayUsage) error
	ListTodayUsage(ctx context.Context) ([]TodayUsage, error)
	ClearTodayUsage(ctx context.Context) (int, error)
}

// ProfileStore manages behaviour profiles. Replace swaps the whole
// profile atomically; readers never observe a partially written one.
type ProfileStore interface {
	Get(ctx context.Context, id string) (*BehaviourProfile, error)
	Replace(ctx context.Context, p BehaviourProfile) error
	Delete(ctx context.Context, id string) error
}
