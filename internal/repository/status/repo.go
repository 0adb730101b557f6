// Package status persists search status records.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/db"
	"github.com/kailas-cloud/imgmatch/internal/domain"
	domstatus "github.com/kailas-cloud/imgmatch/internal/domain/status"
)

// store is the consumer interface for status hashes (ISP).
type store interface {
	HSetWithTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Repo stores status records as Redis hashes and implements usecase/search.StatusStore.
// Each request has a single writer, so the read-apply-write in Apply does not race.
type Repo struct {
	store  store
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// New creates a Redis status repository.
func New(s store, keyPrefix string, ttl time.Duration) *Repo {
	return &Repo{store: s, prefix: keyPrefix, ttl: ttl, now: time.Now}
}

// Create writes the initial record.
func (r *Repo) Create(ctx context.Context, rec domstatus.Record) error {
	fields, err := buildHashFields(rec, allFields)
	if err != nil {
		return err
	}
	key := r.key(rec.RequestID)
	if err := r.store.HSetWithTTL(ctx, key, fields, r.ttl); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// Get returns the record for id or domain.ErrNotFound.
func (r *Repo) Get(ctx context.Context, id string) (domstatus.Record, error) {
	key := r.key(id)
	m, err := r.store.HGetAll(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domstatus.Record{}, fmt.Errorf("status %s: %w", id, domain.ErrNotFound)
		}
		return domstatus.Record{}, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return parseHashFields(id, m), nil
}

// Apply runs the status transition and writes only the changed fields in one HSET.
func (r *Repo) Apply(ctx context.Context, id string, u domstatus.Update) (domstatus.Record, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return domstatus.Record{}, err
	}

	next, changed, err := cur.Apply(u, r.now())
	if err != nil {
		return cur, fmt.Errorf("apply: %w", err)
	}
	if len(changed) == 0 {
		return cur, nil
	}

	fields, err := buildHashFields(next, changed)
	if err != nil {
		return cur, err
	}
	key := r.key(id)
	if err := r.store.HSetWithTTL(ctx, key, fields, r.ttl); err != nil {
		return cur, fmt.Errorf("hset %s: %w", key, err)
	}
	return next, nil
}

func (r *Repo) key(id string) string {
	return r.prefix + "status:" + id
}
