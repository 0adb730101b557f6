package search

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/status"
	"github.com/kailas-cloud/imgmatch/internal/logger"
	"github.com/kailas-cloud/imgmatch/internal/metrics"
	"github.com/kailas-cloud/imgmatch/internal/retry"
)

// Tracker writes the status of one run. Writes are retried and never fail
// the run: a dropped write is logged and counted, and the in-memory record
// still advances so later writes carry the full state.
type Tracker struct {
	store  StatusStore
	policy retry.Policy
	id     string
	cur    status.Record
	now    func() time.Time
}

// DefaultWriteTimeout bounds each status write attempt when the policy sets no timeout.
const DefaultWriteTimeout = 10 * time.Second

// NewTracker creates a tracker for the record initial. Every write attempt
// is bounded by policy.Timeout, or DefaultWriteTimeout when it is unset.
func NewTracker(store StatusStore, policy retry.Policy, initial status.Record) *Tracker {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultWriteTimeout
	}
	return &Tracker{store: store, policy: policy, id: initial.RequestID, cur: initial, now: time.Now}
}

// Current returns the last known record.
func (t *Tracker) Current() status.Record { return t.cur }

// Write applies u. Writes survive cancellation of ctx so terminal states
// always get a chance to land, but each attempt still times out.
func (t *Tracker) Write(ctx context.Context, u status.Update) status.Record {
	log := logger.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	rec, err := retry.Value(ctx, t.policy, func(ctx context.Context) (status.Record, error) {
		return t.store.Apply(ctx, t.id, u)
	})
	if err == nil {
		t.cur = rec
		return rec
	}

	if errors.Is(err, domain.ErrTerminalStatus) || errors.Is(err, domain.ErrProgressRegression) {
		log.Debug("status transition rejected", zap.Error(err))
		return t.cur
	}

	metrics.StatusWriteFailuresTotal.Inc()
	log.Warn("status write dropped", zap.Error(err))
	if next, _, aerr := t.cur.Apply(u, t.now()); aerr == nil {
		t.cur = next
	}
	return t.cur
}
