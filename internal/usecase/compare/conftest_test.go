package compare

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/artifact"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
)

type memArtifacts struct {
	mu        sync.Mutex
	live      map[string][]byte
	pinned    map[string][]byte
	puts      int
	putErr    error
	deleteErr error
	// discard acknowledges writes without keeping the bytes.
	discard bool
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{live: map[string][]byte{}, pinned: map[string][]byte{}}
}

// pin stores data outside the per-candidate lifecycle, the way the search
// service holds the reference image for a whole run.
func (m *memArtifacts) pin(a artifact.Artifact) artifact.Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[a.Key] = a.Data
	return artifact.Artifact{Key: a.Key, ContentType: a.ContentType}
}

func (m *memArtifacts) Put(_ context.Context, requestID string, data []byte, contentType string) (artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return artifact.Artifact{}, m.putErr
	}
	m.puts++
	key := fmt.Sprintf("artifact:%s:%d", requestID, m.puts)
	if !m.discard {
		m.live[key] = data
	}
	return artifact.Artifact{Key: key, ContentType: contentType}, nil
}

func (m *memArtifacts) Get(_ context.Context, key string) (artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.live[key]
	if !ok {
		data, ok = m.pinned[key]
	}
	if !ok {
		return artifact.Artifact{}, fmt.Errorf("artifact %s: %w", key, domain.ErrNotFound)
	}
	return artifact.Artifact{Key: key, Data: data}, nil
}

func (m *memArtifacts) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.live, key)
	return nil
}

func (m *memArtifacts) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

type fakeNormalizer struct {
	failURLs map[string]bool
}

func (f *fakeNormalizer) Normalize(_ context.Context, src imaging.Source) (imaging.Image, error) {
	if f.failURLs[src.URL] {
		return imaging.Image{}, fmt.Errorf("fetch %s: %w", src.URL, domain.ErrImageFetch)
	}
	return imaging.Image{Data: []byte(src.URL), Width: 1, Height: 1, ContentType: imaging.ContentTypeJPEG}, nil
}

// fakeComparator scores by candidate artifact payload, which fakeNormalizer sets to the URL.
type fakeComparator struct {
	scores  map[string]float64
	errs    map[string]error
	panicOn string

	mu    sync.Mutex
	calls int
}

func (f *fakeComparator) Compare(_ context.Context, _, c artifact.Artifact) (float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	url := string(c.Data)
	if url == f.panicOn {
		panic("comparator exploded")
	}
	if err := f.errs[url]; err != nil {
		return 0, err
	}
	return f.scores[url], nil
}

var errStore = errors.New("store down")
