// Package search orchestrates a visual-match run from probe to verdict.
package search

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/artifact"
	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
	"github.com/kailas-cloud/imgmatch/internal/domain/match"
	"github.com/kailas-cloud/imgmatch/internal/domain/request"
	"github.com/kailas-cloud/imgmatch/internal/domain/status"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
	"github.com/kailas-cloud/imgmatch/internal/logger"
	"github.com/kailas-cloud/imgmatch/internal/metrics"
	"github.com/kailas-cloud/imgmatch/internal/retry"
	"github.com/kailas-cloud/imgmatch/internal/telemetry"
	"github.com/kailas-cloud/imgmatch/internal/usecase/batch"
	"github.com/kailas-cloud/imgmatch/internal/usecase/compare"
)

// Phase is a step of the run state machine.
type Phase string

// Run phases in order.
const (
	PhaseCreated           Phase = "created"
	PhaseSearchingProbe    Phase = "searching_probe"
	PhaseNormalizing       Phase = "normalizing"
	PhaseAwaitingProviders Phase = "awaiting_providers"
	PhaseBatching          Phase = "batching"
	PhaseFinalizing        Phase = "finalizing"
	PhaseCompleted         Phase = "completed"
	PhaseFailed            Phase = "failed"
)

// Options tunes the orchestrator.
type Options struct {
	BatchWidth               int
	FailWhenAllProvidersFail bool
	// StatusPolicy wraps every status write.
	StatusPolicy retry.Policy
}

// Deps are the orchestrator collaborators. Notifier may be nil.
type Deps struct {
	Statuses   StatusStore
	Probes     ProbeNormalizer
	Discovery  Discoverer
	Evaluator  Evaluator
	Artifacts  compare.ArtifactStore
	Notifier   Notifier
	Dispatcher *Dispatcher
}

// InitiateInput is a new search submission.
type InitiateInput struct {
	// Image is a base64 payload, a data URL or an http(s) URL.
	Image    string
	Identity *request.Identity
}

// Service runs visual-match searches.
type Service struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates the orchestrator.
func New(deps Deps, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, opts: opts, logger: logger, now: time.Now}
}

// Initiate records a processing status and starts the run in the background.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (request.Request, error) {
	req, err := s.create(ctx, in)
	if err != nil {
		return request.Request{}, err
	}

	if err := s.deps.Dispatcher.Go(func(runCtx context.Context) {
		s.Run(runCtx, req)
	}); err != nil {
		t := NewTracker(s.deps.Statuses, s.opts.StatusPolicy, status.New(req.ID(), req.CreatedAt()))
		t.Write(ctx, status.Failed(reasonFor(err)))
		return request.Request{}, fmt.Errorf("dispatch search: %w", err)
	}
	return req, nil
}

// Execute creates a request and runs it synchronously.
func (s *Service) Execute(ctx context.Context, in InitiateInput) (status.Record, error) {
	req, err := s.create(ctx, in)
	if err != nil {
		return status.Record{}, err
	}
	return s.Run(ctx, req), nil
}

// Status returns the record for id or domain.ErrNotFound.
func (s *Service) Status(ctx context.Context, id string) (status.Record, error) {
	if strings.TrimSpace(id) == "" {
		return status.Record{}, fmt.Errorf("empty request id: %w", domain.ErrNotFound)
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	rec, err := s.deps.Statuses.Get(ctx, id)
	if err != nil {
		return status.Record{}, fmt.Errorf("get status: %w", err)
	}
	return rec, nil
}

func (s *Service) create(ctx context.Context, in InitiateInput) (request.Request, error) {
	probe, err := DecodeProbe(in.Image)
	if err != nil {
		return request.Request{}, err
	}
	req := request.New(probe, in.Identity)
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.deps.Statuses.Create(storeCtx, status.New(req.ID(), req.CreatedAt())); err != nil {
		return request.Request{}, fmt.Errorf("create status: %w", err)
	}
	logger.FromContext(ctx).Info("search created", zap.String(logger.RequestIDKey, req.ID()))
	return req, nil
}

// storeContext bounds a single status store call.
func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.opts.StatusPolicy.Timeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// DecodeProbe turns the submitted image field into a probe. http(s) URLs
// are kept as references, anything else is decoded as base64 (optionally
// as a data URL). An empty field yields an empty probe.
func DecodeProbe(image string) (request.Probe, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return request.Probe{}, nil
	}
	lower := strings.ToLower(image)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return request.Probe{URL: image}, nil
	}
	if strings.HasPrefix(lower, "data:") {
		i := strings.Index(image, ",")
		if i < 0 || !strings.Contains(lower[:i], ";base64") {
			return request.Probe{}, fmt.Errorf("malformed data URL: %w", domain.ErrInvalidRequest)
		}
		image = image[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(image, "="))
	}
	if err != nil {
		return request.Probe{}, fmt.Errorf("image is neither a URL nor base64: %w", domain.ErrInvalidRequest)
	}
	return request.Probe{Bytes: data}, nil
}

// run carries the state of one search.
type run struct {
	req      request.Request
	tracker  *Tracker
	notified bool
}

// Run drives req to a terminal status and returns the final record.
// It never returns an error: every failure ends as a failed status.
func (s *Service) Run(ctx context.Context, req request.Request) (final status.Record) {
	ctx = logger.WithRequestID(ctx, s.logger, req.ID())
	ctx, span := telemetry.Tracer().Start(ctx, "search.run",
		trace.WithAttributes(attribute.String(logger.RequestIDKey, req.ID())))
	defer span.End()

	metrics.SearchRunsInFlight.Inc()
	defer metrics.SearchRunsInFlight.Dec()

	r := &run{
		req:     req,
		tracker: NewTracker(s.deps.Statuses, s.opts.StatusPolicy, status.New(req.ID(), req.CreatedAt())),
	}
	log := logger.FromContext(ctx)
	log.Info("search phase", zap.String("phase", string(PhaseCreated)))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("search run panicked",
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
			)
			final = s.fail(ctx, r, fmt.Errorf("panic: %v", rec), true)
		}
		if final.State == status.StateFailed {
			span.SetStatus(codes.Error, final.Reason)
		}
	}()

	return s.execute(ctx, r)
}

func (s *Service) execute(ctx context.Context, r *run) status.Record {
	id := r.req.ID()

	s.enter(ctx, PhaseSearchingProbe)
	if r.req.Probe().IsEmpty() {
		return s.fail(ctx, r, domain.NewStageError(string(PhaseSearchingProbe), domain.ErrProbeMissing), false)
	}

	s.enter(ctx, PhaseNormalizing)
	probe, err := s.normalizeProbe(ctx, r.req.Probe())
	if err != nil {
		return s.fail(ctx, r, domain.NewStageError(string(PhaseNormalizing), err), true)
	}

	var (
		final   status.Record
		matches []match.Match
	)
	err = compare.WithArtifact(ctx, s.deps.Artifacts, id, probe, func(a artifact.Artifact) error {
		rec, found, err := s.search(ctx, r, probe, a)
		final, matches = rec, found
		return err
	})
	if err != nil {
		return s.fail(ctx, r, err, true)
	}
	s.complete(ctx, r, final, matches)
	return final
}

func (s *Service) normalizeProbe(ctx context.Context, p request.Probe) (imaging.Image, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "search.normalize_probe")
	defer span.End()

	src := imaging.FromURL(p.URL)
	if len(p.Bytes) > 0 {
		src = imaging.FromBytes(p.Bytes)
	}
	img, err := s.deps.Probes.Normalize(ctx, src)
	if err != nil {
		span.RecordError(err)
		return imaging.Image{}, fmt.Errorf("%w: %w", domain.ErrProbeUnusable, err)
	}
	if ctx.Err() != nil {
		return imaging.Image{}, domain.ErrInterrupted
	}
	return img, nil
}

// search runs discovery, batching and the terminal status write while the
// reference artifact is held. Notification happens after it is released.
func (s *Service) search(
	ctx context.Context, r *run, probe imaging.Image, probeArtifact artifact.Artifact,
) (status.Record, []match.Match, error) {
	s.enter(ctx, PhaseAwaitingProviders)
	candidates, err := s.discover(ctx, r, probe)
	if err != nil {
		return status.Record{}, nil, domain.NewStageError(string(PhaseAwaitingProviders), err)
	}
	if len(candidates) == 0 {
		rec, matches := s.finalize(ctx, r, 0, 0, nil)
		return rec, matches, nil
	}

	s.enter(ctx, PhaseBatching)
	processed, matches, err := s.evaluate(ctx, r, probeArtifact, candidates)
	if err != nil {
		return status.Record{}, nil, domain.NewStageError(string(PhaseBatching), err)
	}

	rec, matches := s.finalize(ctx, r, processed, len(candidates), matches)
	return rec, matches, nil
}

func (s *Service) discover(ctx context.Context, r *run, probe imaging.Image) ([]candidate.Candidate, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "search.discover")
	defer span.End()

	res := s.deps.Discovery.Discover(ctx, probe, r.req.Identity())
	span.SetAttributes(
		attribute.Int("providers.attempted", res.Attempted),
		attribute.Int("providers.failed", res.Failed),
		attribute.Int("candidates", len(res.Candidates)),
	)
	if ctx.Err() != nil {
		return nil, domain.ErrInterrupted
	}
	if res.AllFailed() {
		if s.opts.FailWhenAllProvidersFail {
			return nil, domain.ErrAllProvidersFailed
		}
		logger.FromContext(ctx).Warn("every search provider failed, completing empty",
			zap.Int("attempted", res.Attempted))
	}
	return res.Candidates, nil
}

// evaluate compares candidates chunk by chunk, writing progress after each
// chunk. It returns how many candidates resolved and the matches found.
func (s *Service) evaluate(
	ctx context.Context, r *run, probe artifact.Artifact, candidates []candidate.Candidate,
) (int, []match.Match, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "search.evaluate",
		trace.WithAttributes(attribute.Int("candidates", len(candidates))))
	defer span.End()

	r.tracker.Write(ctx, status.Available(len(candidates)))

	work := func(ctx context.Context, c candidate.Candidate) (compare.Outcome, error) {
		return s.deps.Evaluator.Evaluate(ctx, r.req.ID(), probe, c)
	}

	var (
		processed int
		matches   []match.Match
		fatal     error
	)
	for p := range batch.Process(ctx, candidates, s.opts.BatchWidth, work) {
		processed = p.Processed
		matches = collectMatches(p.Results)
		for _, res := range p.Chunk {
			if res.Err() != nil && errors.Is(res.Err(), domain.ErrComparatorFailed) {
				fatal = res.Err()
				break
			}
		}
		r.tracker.Write(ctx, status.Progressed(status.Percent(p.Processed, p.Total), p.Processed, matches))
		if fatal != nil {
			return processed, matches, fatal
		}
	}

	if processed < len(candidates) {
		return processed, matches, domain.ErrInterrupted
	}
	return processed, matches, nil
}

func collectMatches(outcomes []compare.Outcome) []match.Match {
	out := []match.Match{}
	for _, o := range outcomes {
		if o.Verdict == compare.VerdictMatch && o.Match != nil {
			out = append(out, *o.Match)
		}
	}
	return out
}

// finalize writes the completed status.
func (s *Service) finalize(
	ctx context.Context, r *run, processed, available int, matches []match.Match,
) (status.Record, []match.Match) {
	s.enter(ctx, PhaseFinalizing)
	if matches == nil {
		matches = []match.Match{}
	}
	rec := r.tracker.Write(ctx, status.Completed(processed, available, matches))

	outcome := metrics.OutcomeEmpty
	if len(matches) > 0 {
		outcome = metrics.OutcomeMatches
	}
	metrics.SearchRequestsTotal.WithLabelValues(outcome).Inc()
	return rec, matches
}

// complete notifies downstream consumers once every artifact of the run
// has been released.
func (s *Service) complete(ctx context.Context, r *run, rec status.Record, matches []match.Match) {
	s.notify(ctx, r, matches)
	s.enter(ctx, PhaseCompleted)
	logger.FromContext(ctx).Info("search completed",
		zap.Int("matches", len(matches)),
		zap.Int("total_processed", rec.TotalProcessed),
		zap.Int("total_available", rec.TotalAvailable),
	)
}

// fail ends the run. notify is false only for requests that never had a
// usable probe reference.
func (s *Service) fail(ctx context.Context, r *run, cause error, notify bool) status.Record {
	reason := reasonFor(cause)
	rec := r.tracker.Write(ctx, status.Failed(reason))
	metrics.SearchRequestsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()

	if notify {
		s.notify(ctx, r, nil)
	}
	s.enter(ctx, PhaseFailed)
	logger.FromContext(ctx).Warn("search failed", zap.String("reason", reason), zap.Error(cause))
	return rec
}

// notify sends the terminal notification exactly once per run.
func (s *Service) notify(ctx context.Context, r *run, matches []match.Match) {
	if r.notified || s.deps.Notifier == nil {
		return
	}
	r.notified = true
	if len(matches) > 0 {
		s.deps.Notifier.NotifyMatches(ctx, r.req.ID(), matches)
		return
	}
	s.deps.Notifier.NotifyCleared(ctx, r.req.ID())
}

func (s *Service) enter(ctx context.Context, p Phase) {
	logger.FromContext(ctx).Debug("search phase", zap.String("phase", string(p)))
	trace.SpanFromContext(ctx).AddEvent(string(p))
}

// reasons maps failure causes to the human-readable reason stored on the
// record. Order matters: the first match wins.
var reasons = []error{
	domain.ErrProbeMissing,
	domain.ErrProbeUnusable,
	domain.ErrAllProvidersFailed,
	domain.ErrComparatorFailed,
	domain.ErrInterrupted,
	domain.ErrShuttingDown,
}

func reasonFor(err error) string {
	for _, known := range reasons {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}
