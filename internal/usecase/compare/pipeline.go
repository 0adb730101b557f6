// Package compare evaluates one candidate against the probe.
package compare

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/artifact"
	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
	"github.com/kailas-cloud/imgmatch/internal/domain/match"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
	"github.com/kailas-cloud/imgmatch/internal/logger"
	"github.com/kailas-cloud/imgmatch/internal/metrics"
	"github.com/kailas-cloud/imgmatch/internal/retry"
)

// Verdict classifies a candidate evaluation.
type Verdict string

// Verdict values.
const (
	VerdictMatch   Verdict = "match"
	VerdictNoMatch Verdict = "no_match"
	VerdictSkipped Verdict = "skipped"
)

// Outcome is the result of evaluating one candidate.
type Outcome struct {
	Verdict   Verdict
	Candidate candidate.Candidate
	Score     float64
	// Match is set only for VerdictMatch.
	Match *match.Match
	// Reason explains a skip.
	Reason error
}

// Options configures a Pipeline.
type Options struct {
	// Threshold is the minimum score for a match, inclusive.
	Threshold float64
	// AbortOnError turns comparator failures into request-fatal errors.
	AbortOnError bool
	// Policy wraps comparator calls; its Timeout bounds each attempt.
	Policy retry.Policy
}

// Pipeline runs the candidate unit of work.
type Pipeline struct {
	normalizer Normalizer
	artifacts  ArtifactStore
	comparator Comparator
	opts       Options
}

// NewPipeline creates a candidate evaluator.
func NewPipeline(n Normalizer, artifacts ArtifactStore, c Comparator, opts Options) *Pipeline {
	return &Pipeline{normalizer: n, artifacts: artifacts, comparator: c, opts: opts}
}

// Evaluate normalizes c, stores it as a transient artifact, loads both
// artifacts back from the store by key, compares them and deletes the
// candidate artifact. Recoverable failures yield a skipped outcome with a
// nil error. The error is non-nil only for a
// comparator failure when AbortOnError is set.
func (p *Pipeline) Evaluate(
	ctx context.Context, requestID string, probe artifact.Artifact, c candidate.Candidate,
) (Outcome, error) {
	metrics.CandidatesInFlight.Inc()
	defer metrics.CandidatesInFlight.Dec()

	log := logger.FromContext(ctx).With(zap.String("candidate_id", c.ID), zap.String("target_url", c.TargetURL))

	img, err := p.normalizer.Normalize(ctx, imaging.FromURL(c.TargetURL))
	if err != nil {
		log.Debug("candidate skipped: normalization failed", zap.Error(err))
		return p.skipped(c, fmt.Errorf("normalize: %w", err)), nil
	}

	var (
		score  float64
		cmpErr error
	)
	err = WithArtifact(ctx, p.artifacts, requestID, img, func(a artifact.Artifact) error {
		loaded, loadErr := Load(ctx, p.artifacts, probe, a)
		if loadErr != nil {
			return loadErr
		}
		score, cmpErr = retry.Value(ctx, p.opts.Policy, func(ctx context.Context) (float64, error) {
			return p.comparator.Compare(ctx, loaded[0], loaded[1])
		})
		return nil
	})
	if err != nil {
		log.Warn("candidate skipped: artifact store failed", zap.Error(err))
		return p.skipped(c, err), nil
	}

	if cmpErr != nil {
		if !errors.Is(cmpErr, domain.ErrComparatorFailed) {
			cmpErr = fmt.Errorf("%w: %w", domain.ErrComparatorFailed, cmpErr)
		}
		if p.opts.AbortOnError {
			metrics.CandidatesTotal.WithLabelValues(metrics.CandidateError).Inc()
			return Outcome{Verdict: VerdictSkipped, Candidate: c, Reason: cmpErr}, cmpErr
		}
		log.Warn("candidate skipped: comparator failed", zap.Error(cmpErr))
		return p.skipped(c, cmpErr), nil
	}

	if !match.Meets(score, p.opts.Threshold) {
		metrics.CandidatesTotal.WithLabelValues(metrics.CandidateNoMatch).Inc()
		return Outcome{Verdict: VerdictNoMatch, Candidate: c, Score: score}, nil
	}

	m := match.New(requestID, c, score)
	metrics.CandidatesTotal.WithLabelValues(metrics.CandidateMatch).Inc()
	log.Debug("candidate matched", zap.Float64("similarity", score))
	return Outcome{Verdict: VerdictMatch, Candidate: c, Score: score, Match: &m}, nil
}

func (p *Pipeline) skipped(c candidate.Candidate, reason error) Outcome {
	metrics.CandidatesTotal.WithLabelValues(metrics.CandidateSkipped).Inc()
	return Outcome{Verdict: VerdictSkipped, Candidate: c, Reason: reason}
}
