package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/artifact"
	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
	"github.com/kailas-cloud/imgmatch/internal/domain/match"
	"github.com/kailas-cloud/imgmatch/internal/domain/request"
	"github.com/kailas-cloud/imgmatch/internal/domain/status"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
	"github.com/kailas-cloud/imgmatch/internal/retry"
	"github.com/kailas-cloud/imgmatch/internal/usecase/compare"
	"github.com/kailas-cloud/imgmatch/internal/usecase/discovery"
)

// memStatusStore applies the real transition rules in memory and keeps
// every successful write.
type memStatusStore struct {
	mu       sync.Mutex
	records  map[string]status.Record
	history  map[string][]status.Record
	applyErr error
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{records: map[string]status.Record{}, history: map[string][]status.Record{}}
}

func (m *memStatusStore) Create(_ context.Context, rec status.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.RequestID] = rec
	m.history[rec.RequestID] = append(m.history[rec.RequestID], rec)
	return nil
}

func (m *memStatusStore) Get(_ context.Context, id string) (status.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return status.Record{}, fmt.Errorf("status %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (m *memStatusStore) Apply(_ context.Context, id string, u status.Update) (status.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return status.Record{}, m.applyErr
	}
	cur, ok := m.records[id]
	if !ok {
		return status.Record{}, domain.ErrNotFound
	}
	next, changed, err := cur.Apply(u, time.Now())
	if err != nil {
		return cur, err
	}
	if len(changed) > 0 {
		m.records[id] = next
		m.history[id] = append(m.history[id], next)
	}
	return next, nil
}

func (m *memStatusStore) writes(id string) []status.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]status.Record(nil), m.history[id]...)
}

type memArtifacts struct {
	mu   sync.Mutex
	live map[string][]byte
	puts int
}

func newMemArtifacts() *memArtifacts { return &memArtifacts{live: map[string][]byte{}} }

func (m *memArtifacts) Put(_ context.Context, requestID string, data []byte, ct string) (artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	key := fmt.Sprintf("artifact:%s:%d", requestID, m.puts)
	m.live[key] = data
	return artifact.Artifact{Key: key, ContentType: ct}, nil
}

func (m *memArtifacts) Get(_ context.Context, key string) (artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.live[key]
	if !ok {
		return artifact.Artifact{}, fmt.Errorf("artifact %s: %w", key, domain.ErrNotFound)
	}
	return artifact.Artifact{Key: key, Data: data}, nil
}

func (m *memArtifacts) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, key)
	return nil
}

func (m *memArtifacts) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// fakeNormalizer returns the source URL (or bytes) as the image payload.
// URLs listed in failURLs fail to fetch.
type fakeNormalizer struct {
	err      error
	failURLs map[string]bool
}

func (f *fakeNormalizer) Normalize(_ context.Context, src imaging.Source) (imaging.Image, error) {
	if f.err != nil {
		return imaging.Image{}, f.err
	}
	if f.failURLs[src.URL] {
		return imaging.Image{}, fmt.Errorf("fetch %s: %w", src.URL, domain.ErrImageFetch)
	}
	data := src.Bytes
	if len(data) == 0 {
		data = []byte(src.URL)
	}
	return imaging.Image{Data: data, Width: 1, Height: 1, ContentType: imaging.ContentTypeJPEG}, nil
}

type fakeDiscoverer struct {
	result discovery.Result
	panics bool
	calls  int
}

func (f *fakeDiscoverer) Discover(context.Context, imaging.Image, *request.Identity) discovery.Result {
	f.calls++
	if f.panics {
		panic("discovery exploded")
	}
	return f.result
}

// scoreComparator scores by candidate payload, which fakeNormalizer sets to the URL.
type scoreComparator struct {
	scores map[string]float64
	errs   map[string]error
}

func (c *scoreComparator) Compare(_ context.Context, _, cand artifact.Artifact) (float64, error) {
	url := string(cand.Data)
	if err := c.errs[url]; err != nil {
		return 0, err
	}
	return c.scores[url], nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	matches map[string][]match.Match
	cleared []string

	// artifacts, when set, is sampled on every notification.
	artifacts  *memArtifacts
	liveAtCall []int
}

func (n *recordingNotifier) NotifyMatches(_ context.Context, id string, ms []match.Match) {
	n.sample()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.matches == nil {
		n.matches = map[string][]match.Match{}
	}
	n.matches[id] = ms
}

func (n *recordingNotifier) NotifyCleared(_ context.Context, id string) {
	n.sample()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared = append(n.cleared, id)
}

func (n *recordingNotifier) sample() {
	if n.artifacts == nil {
		return
	}
	live := n.artifacts.liveCount()
	n.mu.Lock()
	n.liveAtCall = append(n.liveAtCall, live)
	n.mu.Unlock()
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.matches), len(n.cleared)
}

func candidates(targets ...string) []candidate.Candidate {
	out := make([]candidate.Candidate, 0, len(targets))
	for _, t := range targets {
		out = append(out, candidate.New("test", "https://host/"+t, t, "", 0, 0))
	}
	return out
}

func found(cs []candidate.Candidate) discovery.Result {
	return discovery.Result{Candidates: cs, Attempted: 1}
}

type harness struct {
	svc       *Service
	statuses  *memStatusStore
	artifacts *memArtifacts
	disc      *fakeDiscoverer
	notifier  *recordingNotifier
	probes    *fakeNormalizer
	fetcher   *fakeNormalizer
}

type harnessOpts struct {
	result     discovery.Result
	comparator *scoreComparator
	abort      bool
	width      int
	failAll    bool
	// discoverer replaces the canned fakeDiscoverer when set.
	discoverer Discoverer
	failURLs   map[string]bool
}

func newHarness(o harnessOpts) *harness {
	if o.comparator == nil {
		o.comparator = &scoreComparator{}
	}
	if o.width == 0 {
		o.width = 2
	}
	h := &harness{
		statuses:  newMemStatusStore(),
		artifacts: newMemArtifacts(),
		disc:      &fakeDiscoverer{result: o.result},
		notifier:  &recordingNotifier{},
		probes:    &fakeNormalizer{},
		fetcher:   &fakeNormalizer{failURLs: o.failURLs},
	}
	var disc Discoverer = h.disc
	if o.discoverer != nil {
		disc = o.discoverer
	}
	noRetry := retry.Policy{MaxAttempts: 1}
	pipeline := compare.NewPipeline(h.fetcher, h.artifacts, o.comparator, compare.Options{
		Threshold:    90,
		AbortOnError: o.abort,
		Policy:       noRetry,
	})
	h.svc = New(Deps{
		Statuses:   h.statuses,
		Probes:     h.probes,
		Discovery:  disc,
		Evaluator:  pipeline,
		Artifacts:  h.artifacts,
		Notifier:   h.notifier,
		Dispatcher: NewDispatcher(2, nil),
	}, Options{
		BatchWidth:               o.width,
		FailWhenAllProvidersFail: o.failAll,
		StatusPolicy:             noRetry,
	}, nil)
	return h
}

var errBoom = errors.New("boom")
