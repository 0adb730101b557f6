package compare

import (
	"context"

	"github.com/kailas-cloud/imgmatch/internal/domain/artifact"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
)

// ArtifactStore holds transient images for the comparator.
type ArtifactStore interface {
	Put(ctx context.Context, requestID string, data []byte, contentType string) (artifact.Artifact, error)
	Get(ctx context.Context, key string) (artifact.Artifact, error)
	Delete(ctx context.Context, key string) error
}

// Normalizer canonicalizes candidate images.
type Normalizer interface {
	Normalize(ctx context.Context, src imaging.Source) (imaging.Image, error)
}

// Comparator scores similarity between two loaded artifacts, 0-100.
type Comparator interface {
	Compare(ctx context.Context, probe, candidate artifact.Artifact) (float64, error)
}
