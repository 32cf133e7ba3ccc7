package bolt

import (
	"context"

	"github.com/appsentry/appsentry/internal/storage"
	"go.etcd.io/bbolt"
)

type profileStore struct {
	db *bbolt.DB
}

func (s *profileStore) Get(ctx context.Context, id string) (*storage.BehaviourProfile, error) {
	return getBucketValue[storage.BehaviourProfile](ctx, s.db, bucketProfiles, id)
}

// Replace writes the profile and all its app rows as one value in a
// single update transaction, so readers see either the old profile or
// the new one, never a mix.
func (s *profileStore) Replace(ctx context.Context, p storage.BehaviourProfile) error {
	return putBucketValue(ctx, s.db, bucketProfiles, p.ID, p)
}

func (s *profileStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketProfiles))
		if b == nil {
			return storage.ErrNotFound
		}
		if b.Get([]byte(id)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}
