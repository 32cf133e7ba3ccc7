package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/appsentry/appsentry/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyDays  = "appsentry:daily:days"
	keyToday = "appsentry:today"
)

type usageStore struct {
	client *redis.Client
}

func dailyRecordKey(day, pkg string) string {
	return fmt.Sprintf("appsentry:daily:%s:%s", day, pkg)
}

func dayPackagesKey(day string) string {
	return fmt.Sprintf("appsentry:daily:%s:packages", day)
}

func (s *usageStore) PutDailyRecord(ctx context.Context, rec storage.DailyUsageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal daily record: %w", err)
	}

	day := rec.DayKey()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dailyRecordKey(day, rec.Package), data, 0)
	pipe.SAdd(ctx, dayPackagesKey(day), rec.Package)
	pipe.SAdd(ctx, keyDays, day)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *usageStore) GetDailyRecord(ctx context.Context, day string, pkg string) (*storage.DailyUsageRecord, error) {
	data, err := s.client.Get(ctx, dailyRecordKey(day, pkg)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec storage.DailyUsageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal daily record: %w", err)
	}
	return &rec, nil
}

func (s *usageStore) ListDailyRecords(ctx context.Context, from, to time.Time) ([]storage.DailyUsageRecord, error) {
	records := make([]storage.DailyUsageRecord, 0)

	for day := storage.DayStart(from); day.Before(storage.DayStart(to)); day = day.Add(24 * time.Hour) {
		dayKey := day.Format(storage.DayKeyFormat)
		packages, err := s.client.SMembers(ctx, dayPackagesKey(dayKey)).Result()
		if err != nil {
			return nil, err
		}
		if len(packages) == 0 {
			continue
		}

		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(packages))
		for i, pkg := range packages {
			cmds[i] = pipe.Get(ctx, dailyRecordKey(dayKey, pkg))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}

		for _, cmd := range cmds {
			data, err := cmd.Bytes()
			if err != nil {
				continue
			}
			var rec storage.DailyUsageRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
	}

	return records, nil
}

func (s *usageStore) DeleteDailyRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	days, err := s.client.SMembers(ctx, keyDays).Result()
	if err != nil {
		return 0, err
	}

	cutoffKey := storage.DayKey(cutoff)
	deleted := 0
	for _, day := range days {
		if day >= cutoffKey {
			continue
		}
		packages, err := s.client.SMembers(ctx, dayPackagesKey(day)).Result()
		if err != nil {
			return deleted, err
		}

		pipe := s.client.TxPipeline()
		for _, pkg := range packages {
			pipe.Del(ctx, dailyRecordKey(day, pkg))
		}
		pipe.Del(ctx, dayPackagesKey(day))
		pipe.SRem(ctx, keyDays, day)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, err
		}
		deleted += len(packages)
	}

	return deleted, nil
}

func (s *usageStore) GetTodayUsage(ctx context.Context, pkg string) (*storage.TodayUsage, error) {
	data, err := s.client.HGet(ctx, keyToday, pkg).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var row storage.TodayUsage
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("unmarshal today row: %w", err)
	}
	return &row, nil
}

func (s *usageStore) PutTodayUsage(ctx context.Context, row storage.TodayUsage) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal today row: %w", err)
	}
	return s.client.HSet(ctx, keyToday, row.Package, data).Err()
}

func (s *usageStore) ListTodayUsage(ctx context.Context) ([]storage.TodayUsage, error) {
	values, err := s.client.HGetAll(ctx, keyToday).Result()
	if err != nil {
		return nil, err
	}

	rows := make([]storage.TodayUsage, 0, len(values))
	for _, data := range values {
		var row storage.TodayUsage
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *usageStore) ClearTodayUsage(ctx context.Context) (int, error) {
	count, err := s.client.HLen(ctx, keyToday).Result()
	if err != nil {
		return 0, err
	}
	if err := s.client.Del(ctx, keyToday).Err(); err != nil {
		return 0, err
	}
	return int(count), nil
}
