// Package discovery fans a probe out to every search provider and merges
// the candidates.
package discovery

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
	"github.com/kailas-cloud/imgmatch/internal/domain/request"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
	"github.com/kailas-cloud/imgmatch/internal/logger"
	"github.com/kailas-cloud/imgmatch/internal/retry"
)

// Call is the outcome of one provider call.
type Call struct {
	Provider string
	// Query is empty for reverse image calls.
	Query      string
	Candidates int
	Err        error
}

// Result is the merged outcome of a discovery run.
type Result struct {
	// Candidates are deduplicated by target URL.
	Candidates  []candidate.Candidate
	Attempted   int
	Failed      int
	PerProvider []Call
}

// AllFailed reports whether every attempted call failed.
func (r Result) AllFailed() bool {
	return r.Attempted > 0 && r.Failed == r.Attempted
}

// Service runs provider calls concurrently.
type Service struct {
	visual []ImageSearcher
	text   []TextSearcher
	policy retry.Policy
}

// New creates a discovery service. policy wraps every provider call and
// its Timeout bounds each attempt.
func New(visual []ImageSearcher, text []TextSearcher, policy retry.Policy) *Service {
	return &Service{visual: visual, text: text, policy: policy}
}

type call struct {
	provider string
	query    string
	run      func(ctx context.Context) ([]candidate.Candidate, error)
}

// Discover queries every reverse image provider with the probe and every
// text provider with each identity query variant. A failed call is a
// warning only and contributes no candidates.
func (s *Service) Discover(ctx context.Context, probe imaging.Image, identity *request.Identity) Result {
	calls := s.plan(probe, identity)
	log := logger.FromContext(ctx)

	found := make([][]candidate.Candidate, len(calls))
	outcomes := make([]Call, len(calls))

	var g errgroup.Group
	for i, c := range calls {
		g.Go(func() error {
			cands, err := s.invoke(ctx, c)
			outcomes[i] = Call{Provider: c.provider, Query: c.query, Candidates: len(cands), Err: err}
			if err != nil {
				log.Warn("search provider failed",
					zap.String("provider", c.provider),
					zap.String("query", c.query),
					zap.Error(err),
				)
				return nil
			}
			found[i] = cands
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Attempted: len(calls), PerProvider: outcomes}
	var all []candidate.Candidate
	for i, o := range outcomes {
		if o.Err != nil {
			res.Failed++
			continue
		}
		all = append(all, found[i]...)
	}
	res.Candidates = candidate.Dedupe(all)

	log.Info("discovery finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("failed", res.Failed),
		zap.Int("raw_candidates", len(all)),
		zap.Int("candidates", len(res.Candidates)),
	)
	return res
}

func (s *Service) plan(probe imaging.Image, identity *request.Identity) []call {
	var calls []call
	for _, p := range s.visual {
		calls = append(calls, call{
			provider: p.Name(),
			run: func(ctx context.Context) ([]candidate.Candidate, error) {
				return p.SearchByImage(ctx, probe.Data)
			},
		})
	}
	for _, q := range identity.QueryVariants() {
		for _, p := range s.text {
			calls = append(calls, call{
				provider: p.Name(),
				query:    q,
				run: func(ctx context.Context) ([]candidate.Candidate, error) {
					return p.SearchByText(ctx, q)
				},
			})
		}
	}
	return calls
}

func (s *Service) invoke(ctx context.Context, c call) (out []candidate.Candidate, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.FromContext(ctx).Error("search provider panicked",
				zap.String("provider", c.provider),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
			)
			out, err = nil, fmt.Errorf("provider %s panicked: %v", c.provider, rec)
		}
	}()
	return retry.Value(ctx, s.policy, c.run)
}
