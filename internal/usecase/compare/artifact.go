package compare

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/domain/artifact"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
	"github.com/kailas-cloud/imgmatch/internal/logger"
	"github.com/kailas-cloud/imgmatch/internal/metrics"
)

// storeTimeout bounds every artifact store call.
var storeTimeout = 5 * time.Second

// WithArtifact stores img, runs fn with the artifact handle and deletes it
// on every exit path, panics included. A failed deletion is logged and
// counted but never returned.
func WithArtifact(
	ctx context.Context, store ArtifactStore, requestID string, img imaging.Image,
	fn func(artifact.Artifact) error,
) error {
	putCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	a, err := store.Put(putCtx, requestID, img.Data, img.ContentType)
	cancel()
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	defer release(ctx, store, a.Key)
	return fn(a)
}

// Load reads the stored bytes behind each handle, in order.
func Load(ctx context.Context, store ArtifactStore, handles ...artifact.Artifact) ([]artifact.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	out := make([]artifact.Artifact, 0, len(handles))
	for _, h := range handles {
		a, err := store.Get(ctx, h.Key)
		if err != nil {
			return nil, fmt.Errorf("load artifact %s: %w", h.Key, err)
		}
		if h.ContentType != "" {
			a.ContentType = h.ContentType
		}
		out = append(out, a)
	}
	return out, nil
}

func release(ctx context.Context, store ArtifactStore, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := store.Delete(ctx, key); err != nil {
		metrics.ArtifactCleanupFailuresTotal.Inc()
		logger.FromContext(ctx).Warn("artifact cleanup failed", zap.String("key", key), zap.Error(err))
	}
}
