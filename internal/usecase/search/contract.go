package search

import (
	"context"

	"github.com/kailas-cloud/imgmatch/internal/domain/artifact"
	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
	"github.com/kailas-cloud/imgmatch/internal/domain/match"
	"github.com/kailas-cloud/imgmatch/internal/domain/request"
	"github.com/kailas-cloud/imgmatch/internal/domain/status"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
	"github.com/kailas-cloud/imgmatch/internal/usecase/compare"
	"github.com/kailas-cloud/imgmatch/internal/usecase/discovery"
)

// StatusStore persists status records.
type StatusStore interface {
	Create(ctx context.Context, rec status.Record) error
	Get(ctx context.Context, id string) (status.Record, error)
	Apply(ctx context.Context, id string, u status.Update) (status.Record, error)
}

// ProbeNormalizer canonicalizes the probe image.
type ProbeNormalizer interface {
	Normalize(ctx context.Context, src imaging.Source) (imaging.Image, error)
}

// Discoverer gathers deduplicated candidates from the search providers.
type Discoverer interface {
	Discover(ctx context.Context, probe imaging.Image, identity *request.Identity) discovery.Result
}

// Evaluator runs the candidate unit of work.
type Evaluator interface {
	Evaluate(ctx context.Context, requestID string, probe artifact.Artifact, c candidate.Candidate) (compare.Outcome, error)
}

// Notifier informs downstream consumers of terminal outcomes.
type Notifier interface {
	NotifyMatches(ctx context.Context, requestID string, matches []match.Match)
	NotifyCleared(ctx context.Context, requestID string)
}
