// Package imgcache caches normalized candidate images by source URL.
package imgcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/db"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
)

// headerSize is the width+height prefix of a cached entry.
const headerSize = 8

// store is the consumer interface for the image cache (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// normalizer is the decorated image normalizer.
type normalizer interface {
	Normalize(ctx context.Context, src imaging.Source) (imaging.Image, error)
}

// CachedNormalizer caches normalized JPEGs in a key-value store.
type CachedNormalizer struct {
	inner      normalizer
	store      store
	prefix     string
	ttl        time.Duration
	cacheTotal *prometheus.CounterVec
	logger     *zap.Logger
}

// New creates a caching decorator.
// cacheTotal is a counter vec with label "result" ("hit"/"miss"), passed explicitly.
func New(
	inner normalizer,
	s store,
	keyPrefix string,
	ttl time.Duration,
	cacheTotal *prometheus.CounterVec,
	logger *zap.Logger,
) *CachedNormalizer {
	return &CachedNormalizer{
		inner:      inner,
		store:      s,
		prefix:     keyPrefix + "img_cache:",
		ttl:        ttl,
		cacheTotal: cacheTotal,
		logger:     logger,
	}
}

// Normalize returns a cached image for URL sources or delegates to the inner normalizer.
// Inline byte sources bypass the cache. Cache failures never fail the call.
func (c *CachedNormalizer) Normalize(ctx context.Context, src imaging.Source) (imaging.Image, error) {
	if len(src.Bytes) > 0 || src.URL == "" {
		return c.inner.Normalize(ctx, src) //nolint:wrapcheck // transparent decorator
	}

	key := c.cacheKey(src.URL)
	if img, ok := c.getFromCache(ctx, key); ok {
		c.incCache("hit")
		return img, nil
	}
	c.incCache("miss")

	img, err := c.inner.Normalize(ctx, src)
	if err != nil {
		return imaging.Image{}, fmt.Errorf("normalize %s: %w", src.URL, err)
	}

	c.putToCache(ctx, key, img)
	return img, nil
}

func (c *CachedNormalizer) incCache(result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(result).Inc()
	}
}

func (c *CachedNormalizer) cacheKey(url string) string {
	h := sha256.Sum256([]byte(url))
	return c.prefix + hex.EncodeToString(h[:])
}

func (c *CachedNormalizer) getFromCache(ctx context.Context, key string) (imaging.Image, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.logger.Warn("Failed to get cached image", zap.String("key", key), zap.Error(err))
		}
		return imaging.Image{}, false
	}

	img, err := decodeEntry(data)
	if err != nil {
		c.logger.Warn("Failed to parse cached image", zap.String("key", key), zap.Error(err))
		return imaging.Image{}, false
	}
	return img, true
}

func (c *CachedNormalizer) putToCache(ctx context.Context, key string, img imaging.Image) {
	if err := c.store.SetWithTTL(ctx, key, encodeEntry(img), c.ttl); err != nil {
		c.logger.Warn("Failed to cache image", zap.String("key", key), zap.Error(err))
	}
}

func encodeEntry(img imaging.Image) []byte {
	buf := make([]byte, headerSize+len(img.Data))
	binary.BigEndian.PutUint32(buf[0:], uint32(img.Width))  //nolint:gosec // bounded by max dimension
	binary.BigEndian.PutUint32(buf[4:], uint32(img.Height)) //nolint:gosec // bounded by max dimension
	copy(buf[headerSize:], img.Data)
	return buf
}

func decodeEntry(data []byte) (imaging.Image, error) {
	if len(data) <= headerSize {
		return imaging.Image{}, fmt.Errorf("invalid image cache entry: len=%d", len(data))
	}
	return imaging.Image{
		Width:       int(binary.BigEndian.Uint32(data[0:])),
		Height:      int(binary.BigEndian.Uint32(data[4:])),
		Data:        data[headerSize:],
		ContentType: imaging.ContentTypeJPEG,
	}, nil
}
