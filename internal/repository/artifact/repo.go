// Package artifact stores transient comparator inputs with a crash-safety TTL.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/db"
	"github.com/kailas-cloud/imgmatch/internal/domain"
	domart "github.com/kailas-cloud/imgmatch/internal/domain/artifact"
)

// store is the consumer interface for artifacts (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Repo implements usecase/compare.ArtifactStore.
type Repo struct {
	store  store
	prefix string
	ttl    time.Duration
}

// New creates an artifact repository. ttl is the expiry applied if a
// deletion never happens.
func New(s store, keyPrefix string, ttl time.Duration) *Repo {
	return &Repo{store: s, prefix: keyPrefix, ttl: ttl}
}

// Put stores data under a fresh key scoped to requestID and returns a
// handle carrying the key only. Readers load the bytes with Get.
func (r *Repo) Put(ctx context.Context, requestID string, data []byte, contentType string) (domart.Artifact, error) {
	key := domart.NewKey(r.prefix, requestID)
	if err := r.store.SetWithTTL(ctx, key, data, r.ttl); err != nil {
		return domart.Artifact{}, fmt.Errorf("set %s: %w", key, err)
	}
	return domart.Artifact{Key: key, ContentType: contentType}, nil
}

// Get loads an artifact by key.
func (r *Repo) Get(ctx context.Context, key string) (domart.Artifact, error) {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domart.Artifact{}, fmt.Errorf("artifact %s: %w", key, domain.ErrNotFound)
		}
		return domart.Artifact{}, fmt.Errorf("get %s: %w", key, err)
	}
	return domart.Artifact{Key: key, Data: data, ContentType: http.DetectContentType(data)}, nil
}

// Delete removes an artifact.
func (r *Repo) Delete(ctx context.Context, key string) error {
	if err := r.store.Del(ctx, key); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
