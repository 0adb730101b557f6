package status

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/db"
)

// memHashStore is an in-memory consumer-interface implementation that
// records every HSET so tests can assert partial writes.
type memHashStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	writes []map[string]string
	ttls   []time.Duration
	setErr error
	getErr error
}

func newMemHashStore() *memHashStore {
	return &memHashStore{hashes: map[string]map[string]string{}}
}

func (m *memHashStore) HSetWithTTL(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	maps.Copy(h, fields)
	m.writes = append(m.writes, maps.Clone(fields))
	m.ttls = append(m.ttls, ttl)
	return nil
}

func (m *memHashStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	h, ok := m.hashes[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return maps.Clone(h), nil
}
