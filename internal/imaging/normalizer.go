// Package imaging fetches, decodes and canonicalizes images to bounded JPEGs.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	_ "image/png" // register PNG decoder
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/kailas-cloud/imgmatch/internal/domain"
)

// ContentTypeJPEG is the content type of every normalized image.
const ContentTypeJPEG = "image/jpeg"

// maxPixels rejects decompression bombs before decoding.
const maxPixels = 64 << 20

// Source is either inline bytes or a URL. Bytes win when both are set.
type Source struct {
	Bytes []byte
	URL   string
}

// FromURL returns a URL source.
func FromURL(u string) Source { return Source{URL: u} }

// FromBytes returns an inline source.
func FromBytes(b []byte) Source { return Source{Bytes: b} }

// Image is a normalized JPEG.
type Image struct {
	Data        []byte
	Width       int
	Height      int
	ContentType string
}

// Options bounds normalization.
type Options struct {
	MaxDimension     int
	JPEGQuality      int
	FallbackQuality  int
	MaxBytes         int
	MaxDownloadBytes int64
	FetchTimeout     time.Duration
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		MaxDimension:     1024,
		JPEGQuality:      85,
		FallbackQuality:  60,
		MaxBytes:         1 << 20,
		MaxDownloadBytes: 20 << 20,
		FetchTimeout:     15 * time.Second,
	}
}

// Normalizer implements image canonicalization.
type Normalizer struct {
	client *http.Client
	opts   Options
}

// New creates a Normalizer. A nil client uses http.DefaultClient.
func New(client *http.Client, opts Options) *Normalizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Normalizer{client: client, opts: opts}
}

// Normalize fetches src if needed and returns a bounded JPEG.
func (n *Normalizer) Normalize(ctx context.Context, src Source) (Image, error) {
	data := src.Bytes
	if len(data) == 0 {
		if strings.TrimSpace(src.URL) == "" {
			return Image{}, fmt.Errorf("empty source: %w", domain.ErrNotAnImage)
		}
		var err error
		data, err = n.Fetch(ctx, src.URL)
		if err != nil {
			return Image{}, err
		}
	}
	return n.Encode(data)
}

// Fetch downloads an image body, enforcing status, size and content type.
func (n *Normalizer) Fetch(ctx context.Context, url string) ([]byte, error) {
	if n.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.opts.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w: %w", domain.ErrImageFetch, err)
	}
	req.Header.Set("Accept", "image/jpeg,image/png,image/webp,image/gif,image/*;q=0.8")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrImageFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", domain.ErrImageFetch, resp.StatusCode)
	}
	if limit := n.opts.MaxDownloadBytes; limit > 0 && resp.ContentLength > limit {
		return nil, fmt.Errorf("content length %d > %d: %w", resp.ContentLength, limit, domain.ErrImageTooLarge)
	}

	body := io.Reader(resp.Body)
	if limit := n.opts.MaxDownloadBytes; limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w: %w", domain.ErrImageFetch, err)
	}
	if limit := n.opts.MaxDownloadBytes; limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes: %w", limit, domain.ErrImageTooLarge)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty body: %w", domain.ErrNotAnImage)
	}
	if ct := contentType(resp.Header.Get("Content-Type"), data); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("content type %q: %w", ct, domain.ErrNotAnImage)
	}
	return data, nil
}

// contentType trusts a specific header and sniffs otherwise.
func contentType(header string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	return http.DetectContentType(data[:min(len(data), 512)])
}

// Encode decodes data, flattens, resizes and re-encodes it as JPEG.
func (n *Normalizer) Encode(data []byte) (Image, error) {
	if len(data) == 0 {
		return Image{}, fmt.Errorf("empty payload: %w", domain.ErrNotAnImage)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("decode header: %w: %w", domain.ErrNotAnImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Image{}, fmt.Errorf("zero dimensions: %w", domain.ErrNotAnImage)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return Image{}, fmt.Errorf("%dx%d pixels: %w", cfg.Width, cfg.Height, domain.ErrImageTooLarge)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("decode: %w: %w", domain.ErrNotAnImage, err)
	}

	canvas := flatten(src, n.opts.MaxDimension)

	out, err := encodeJPEG(canvas, n.opts.JPEGQuality)
	if err != nil {
		return Image{}, err
	}
	if n.opts.MaxBytes > 0 && len(out) > n.opts.MaxBytes && n.opts.FallbackQuality > 0 {
		out, err = encodeJPEG(canvas, n.opts.FallbackQuality)
		if err != nil {
			return Image{}, err
		}
	}
	if n.opts.MaxBytes > 0 && len(out) > n.opts.MaxBytes {
		return Image{}, fmt.Errorf("%d bytes > %d: %w", len(out), n.opts.MaxBytes, domain.ErrImageTooLarge)
	}

	b := canvas.Bounds()
	return Image{Data: out, Width: b.Dx(), Height: b.Dy(), ContentType: ContentTypeJPEG}, nil
}

// flatten draws src onto a white canvas, scaling the long edge down to maxDim.
func flatten(src image.Image, maxDim int) *image.RGBA {
	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	if w == src.Bounds().Dx() && h == src.Bounds().Dy() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

// fit returns dimensions whose long edge is at most maxDim, keeping aspect ratio.
func fit(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
