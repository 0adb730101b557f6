package imgcache

import (
	"context"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/db"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
)

type mockNormalizer struct {
	img   imaging.Image
	err   error
	calls int
}

func (m *mockNormalizer) Normalize(_ context.Context, _ imaging.Source) (imaging.Image, error) {
	m.calls++
	return m.img, m.err
}

// mockKVStore implements the consumer interface for tests.
type mockKVStore struct {
	getFn func(ctx context.Context, key string) ([]byte, error)
	setFn func(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func (m *mockKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, db.ErrKeyNotFound
}

func (m *mockKVStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if m.setFn != nil {
		return m.setFn(ctx, key, value, ttl)
	}
	return nil
}
