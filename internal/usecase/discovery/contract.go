package discovery

import (
	"context"

	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
)

// ImageSearcher finds candidates by reverse image search.
type ImageSearcher interface {
	Name() string
	SearchByImage(ctx context.Context, image []byte) ([]candidate.Candidate, error)
}

// TextSearcher finds candidate images by text query.
type TextSearcher interface {
	Name() string
	SearchByText(ctx context.Context, query string) ([]candidate.Candidate, error)
}
