package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/appsentry/appsentry/internal/storage"
	"go.etcd.io/bbolt"
)

type usageStore struct {
	db *bbolt.DB
}

// Daily record keys are "day/package" so a cursor range over the day
// prefix yields a day window in order.
func dailyRecordKey(day, pkg string) string {
	return fmt.Sprintf("%s/%s", day, pkg)
}

func (s *usageStore) PutDailyRecord(ctx context.Context, rec storage.DailyUsageRecord) error {
	key := dailyRecordKey(rec.DayKey(), rec.Package)
	return putBucketValue(ctx, s.db, bucketDailyUsage, key, rec)
}

func (s *usageStore) GetDailyRecord(ctx context.Context, day string, pkg string) (*storage.DailyUsageRecord, error) {
	return getBucketValue[storage.DailyUsageRecord](ctx, s.db, bucketDailyUsage, dailyRecordKey(day, pkg))
}

func (s *usageStore) ListDailyRecords(ctx context.Context, from, to time.Time) ([]storage.DailyUsageRecord, error) {
	lower := []byte(storage.DayKey(from))
	// Day keys sort lexicographically, so stopping at the bare day key of
	// the upper bound keeps the bound exclusive.
	upper := []byte(storage.DayKey(to))

	records := make([]storage.DailyUsageRecord, 0)
	return records, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(lower); k != nil && bytes.Compare(k, upper) < 0; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var rec storage.DailyUsageRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
}

func (s *usageStore) DeleteDailyRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	upper := []byte(storage.DayKey(cutoff))
	deleted := 0
	return deleted, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, upper) < 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
}

func (s *usageStore) GetTodayUsage(ctx context.Context, pkg string) (*storage.TodayUsage, error) {
	return getBucketValue[storage.TodayUsage](ctx, s.db, bucketTodayUsage, pkg)
}

func (s *usageStore) PutTodayUsage(ctx context.Context, row storage.TodayUsage) error {
	return putBucketValue(ctx, s.db, bucketTodayUsage, row.Package, row)
}

func (s *usageStore) ListTodayUsage(ctx context.Context) ([]storage.TodayUsage, error) {
	rows := make([]storage.TodayUsage, 0)
	return rows, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTodayUsage))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var row storage.TodayUsage
			if err := unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
}

func (s *usageStore) ClearTodayUsage(ctx context.Context) (int, error) {
	cleared := 0
	return cleared, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketTodayUsage))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
}
