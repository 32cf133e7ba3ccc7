package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/appsentry/appsentry/internal/storage"
	"github.com/redis/go-redis/v9"
)

type profileStore struct {
	client *redis.Client
}

func profileKey(id string) string {
	return fmt.Sprintf("appsentry:profile:%s", id)
}

func (s *profileStore) Get(ctx context.Context, id string) (*storage.BehaviourProfile, error) {
	data, err := s.client.Get(ctx, profileKey(id)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var profile storage.BehaviourProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &profile, nil
}

// Replace swaps the whole profile with a single SET, so concurrent
// readers observe either the previous profile or the new one.
func (s *profileStore) Replace(ctx context.Context, p storage.BehaviourProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return s.client.Set(ctx, profileKey(p.ID), data, 0).Err()
}

func (s *profileStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, profileKey(id)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}
