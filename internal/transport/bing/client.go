// Package bing implements reverse-image and text-query image search against
// the Bing Visual Search and Image Search APIs.
package bing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
	"github.com/kailas-cloud/imgmatch/internal/metrics"
)

// maxResponseBytes caps every provider response body.
const maxResponseBytes = 8 << 20

// Provider tags recorded on candidates and metrics.
const (
	SourceVisual = "bing_visual"
	SourceText   = "bing_text"
)

// Config holds shared Bing settings.
type Config struct {
	Endpoint string
	APIKey   string
	Market   string
	PageSize int
	MaxPages int
	Client   *http.Client
}

type client struct {
	endpoint string
	apiKey   string
	market   string
	pageSize int
	maxPages int
	http     *http.Client
}

func newClient(cfg Config) client {
	hc := cfg.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	return client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		market:   cfg.Market,
		pageSize: max(cfg.PageSize, 1),
		maxPages: max(cfg.MaxPages, 1),
		http:     hc,
	}
}

// imageObject is the Bing image result shape shared by both APIs.
type imageObject struct {
	HostPageURL  string `json:"hostPageUrl"`
	ContentURL   string `json:"contentUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

func (o imageObject) toCandidate(source string) candidate.Candidate {
	return candidate.New(source, o.HostPageURL, o.ContentURL, o.ThumbnailURL, o.Width, o.Height)
}

// errorResponse is the Bing error envelope.
type errorResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e errorResponse) detail() string {
	if len(e.Errors) > 0 {
		return e.Errors[0].Code + ": " + e.Errors[0].Message
	}
	if e.Error.Code != "" {
		return e.Error.Code + ": " + e.Error.Message
	}
	return ""
}

// do sends req and decodes a 2xx JSON body into out.
func (c client) do(req *http.Request, source string, out any) error {
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(source, "error").Inc()
		return fmt.Errorf("%s request: %w: %w", source, domain.ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(source, "error").Inc()
		return fmt.Errorf("%s read body: %w: %w", source, domain.ErrProviderUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ProviderRequestsTotal.WithLabelValues(source, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		cause := domain.ErrProviderUnavailable
		if resp.StatusCode == http.StatusTooManyRequests {
			cause = domain.ErrRateLimited
		}
		if d := e.detail(); d != "" {
			return fmt.Errorf("%s status %d: %s: %w", source, resp.StatusCode, d, cause)
		}
		return fmt.Errorf("%s status %d: %w", source, resp.StatusCode, cause)
	}

	if err := json.Unmarshal(body, out); err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(source, "malformed").Inc()
		return fmt.Errorf("%s decode: %w: %w", source, domain.ErrProviderUnavailable, err)
	}
	metrics.ProviderRequestsTotal.WithLabelValues(source, "ok").Inc()
	return nil
}

func (c client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}
