package imgcache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/imaging"
)

func newCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_image_cache_total"}, []string{"result"})
}

func TestNormalize_CacheMiss(t *testing.T) {
	inner := &mockNormalizer{img: imaging.Image{Data: []byte{0xff, 0xd8}, Width: 3, Height: 2, ContentType: imaging.ContentTypeJPEG}}
	var gotKey string
	var gotTTL time.Duration
	ms := &mockKVStore{setFn: func(_ context.Context, key string, _ []byte, ttl time.Duration) error {
		gotKey, gotTTL = key, ttl
		return nil
	}}
	counter := newCounter()

	c := New(inner, ms, "imgmatch:", time.Hour, counter, zap.NewNop())
	img, err := c.Normalize(context.Background(), imaging.FromURL("https://img/1.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 3 || inner.calls != 1 {
		t.Errorf("img=%+v calls=%d", img, inner.calls)
	}
	if !strings.HasPrefix(gotKey, "imgmatch:img_cache:") || gotTTL != time.Hour {
		t.Errorf("key=%q ttl=%v", gotKey, gotTTL)
	}
	if v := testutil.ToFloat64(counter.WithLabelValues("miss")); v != 1 {
		t.Errorf("miss = %v", v)
	}
}

func TestNormalize_CacheHit(t *testing.T) {
	inner := &mockNormalizer{}
	cached := encodeEntry(imaging.Image{Data: []byte{1, 2, 3}, Width: 640, Height: 480})
	ms := &mockKVStore{getFn: func(context.Context, string) ([]byte, error) { return cached, nil }}
	counter := newCounter()

	img, err := New(inner, ms, "p:", time.Hour, counter, zap.NewNop()).
		Normalize(context.Background(), imaging.FromURL("https://img/1.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if inner.calls != 0 {
		t.Error("inner normalizer called on hit")
	}
	if img.Width != 640 || img.Height != 480 || len(img.Data) != 3 || img.ContentType != imaging.ContentTypeJPEG {
		t.Errorf("img = %+v", img)
	}
	if v := testutil.ToFloat64(counter.WithLabelValues("hit")); v != 1 {
		t.Errorf("hit = %v", v)
	}
}

func TestNormalize_BytesBypassCache(t *testing.T) {
	inner := &mockNormalizer{img: imaging.Image{Width: 1}}
	ms := &mockKVStore{
		getFn: func(context.Context, string) ([]byte, error) {
			t.Error("cache read for inline bytes")
			return nil, nil
		},
	}
	_, err := New(inner, ms, "p:", time.Hour, nil, zap.NewNop()).
		Normalize(context.Background(), imaging.FromBytes([]byte{1}))
	if err != nil || inner.calls != 1 {
		t.Errorf("err=%v calls=%d", err, inner.calls)
	}
}

func TestNormalize_StoreErrorsAreIgnored(t *testing.T) {
	inner := &mockNormalizer{img: imaging.Image{Data: []byte{1}, Width: 1, Height: 1}}
	ms := &mockKVStore{
		getFn: func(context.Context, string) ([]byte, error) { return nil, errors.New("redis down") },
		setFn: func(context.Context, string, []byte, time.Duration) error { return errors.New("redis down") },
	}
	img, err := New(inner, ms, "p:", time.Hour, nil, zap.NewNop()).
		Normalize(context.Background(), imaging.FromURL("https://img/1.jpg"))
	if err != nil || img.Width != 1 {
		t.Errorf("img=%+v err=%v", img, err)
	}
}

func TestNormalize_CorruptEntryFallsThrough(t *testing.T) {
	inner := &mockNormalizer{img: imaging.Image{Data: []byte{1}, Width: 2, Height: 2}}
	ms := &mockKVStore{getFn: func(context.Context, string) ([]byte, error) { return []byte{1, 2}, nil }}
	img, err := New(inner, ms, "p:", time.Hour, nil, zap.NewNop()).
		Normalize(context.Background(), imaging.FromURL("https://img/1.jpg"))
	if err != nil || img.Width != 2 || inner.calls != 1 {
		t.Errorf("img=%+v err=%v calls=%d", img, err, inner.calls)
	}
}

func TestNormalize_InnerError(t *testing.T) {
	boom := errors.New("decode failed")
	inner := &mockNormalizer{err: boom}
	_, err := New(inner, &mockKVStore{}, "p:", time.Hour, nil, zap.NewNop()).
		Normalize(context.Background(), imaging.FromURL("https://img/1.jpg"))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}
