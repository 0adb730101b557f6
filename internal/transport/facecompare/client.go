// Package facecompare calls an HTTP face-comparison service that speaks the
// CompareFaces request/response shape.
package facecompare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/artifact"
	"github.com/kailas-cloud/imgmatch/internal/metrics"
)

const (
	driverName       = "http"
	maxResponseBytes = 1 << 20
)

// Config holds comparator settings.
type Config struct {
	Endpoint string
	APIKey   string
	// Threshold is forwarded as SimilarityThreshold so the service
	// reports faces down to the match cut-off.
	Threshold float64
	Client    *http.Client
}

// Client is a similarity comparator backed by an HTTP service.
type Client struct {
	endpoint  string
	apiKey    string
	threshold float64
	http      *http.Client
}

// New creates a comparator client.
func New(cfg Config) *Client {
	hc := cfg.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		endpoint:  cfg.Endpoint,
		apiKey:    cfg.APIKey,
		threshold: cfg.Threshold,
		http:      hc,
	}
}

type image struct {
	Bytes []byte `json:"Bytes"`
}

type compareRequest struct {
	SourceImage         image   `json:"SourceImage"`
	TargetImage         image   `json:"TargetImage"`
	SimilarityThreshold float64 `json:"SimilarityThreshold"`
}

type compareResponse struct {
	FaceMatches []struct {
		Similarity float64 `json:"Similarity"`
	} `json:"FaceMatches"`
	UnmatchedFaces []json.RawMessage `json:"UnmatchedFaces"`
}

// Compare returns the best face similarity between probe and candidate,
// or 0 when no face matched.
func (c *Client) Compare(ctx context.Context, probe, candidate artifact.Artifact) (float64, error) {
	payload, err := json.Marshal(compareRequest{
		SourceImage:         image{Bytes: probe.Data},
		TargetImage:         image{Bytes: candidate.Data},
		SimilarityThreshold: c.threshold,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal compare request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build compare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	score, status, err := c.send(req)
	metrics.ComparatorDuration.WithLabelValues(driverName, status).Observe(time.Since(start).Seconds())
	return score, err
}

func (c *Client) send(req *http.Request) (float64, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "error", fmt.Errorf("compare request: %w: %w", domain.ErrComparatorFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, "error", fmt.Errorf("read compare response: %w: %w", domain.ErrComparatorFailed, err)
	}

	status := strconv.Itoa(resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, status, fmt.Errorf("comparator throttled: %w", domain.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return 0, status, fmt.Errorf("comparator status %d: %s: %w",
			resp.StatusCode, truncate(body, 200), domain.ErrComparatorFailed)
	}

	var parsed compareResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, "malformed", fmt.Errorf("decode compare response: %w: %w", domain.ErrComparatorFailed, err)
	}

	best := 0.0
	for _, m := range parsed.FaceMatches {
		best = max(best, m.Similarity)
	}
	return min(best, 100), "ok", nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
