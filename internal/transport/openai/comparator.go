// Package openai implements the similarity comparator on top of an
// OpenAI-compatible vision chat model.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/artifact"
	"github.com/kailas-cloud/imgmatch/internal/metrics"
)

const driverName = "openai"

const systemPrompt = `You compare two photographs and decide whether they show the same person.
Respond with a JSON object {"similarity": <number from 0 to 100>} and nothing else.
Use 0 when either image has no face.`

// Comparator scores face similarity with a vision chat model.
type Comparator struct {
	client *openai.Client
	model  string
}

// Config holds the comparator settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// NewComparator creates a vision comparator.
func NewComparator(cfg *Config) *Comparator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &Comparator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

// Compare asks the model for a 0-100 similarity between probe and candidate.
func (c *Comparator) Compare(ctx context.Context, probe, candidate artifact.Artifact) (float64, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "Image A is the reference. Image B is the candidate."},
					imagePart(probe),
					imagePart(candidate),
				},
			},
		},
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		metrics.ComparatorDuration.WithLabelValues(driverName, "error").Observe(time.Since(start).Seconds())
		return 0, parseAPIError(err)
	}
	if len(resp.Choices) == 0 {
		metrics.ComparatorDuration.WithLabelValues(driverName, "empty").Observe(time.Since(start).Seconds())
		return 0, fmt.Errorf("empty completion: %w", domain.ErrComparatorFailed)
	}

	score, err := parseScore(resp.Choices[0].Message.Content)
	if err != nil {
		metrics.ComparatorDuration.WithLabelValues(driverName, "malformed").Observe(time.Since(start).Seconds())
		return 0, err
	}
	metrics.ComparatorDuration.WithLabelValues(driverName, "ok").Observe(time.Since(start).Seconds())
	return score, nil
}

// HealthCheck verifies API availability via ListModels (free endpoint).
func (c *Comparator) HealthCheck(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func imagePart(a artifact.Artifact) openai.ChatMessagePart {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{
			URL:    "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(a.Data),
			Detail: openai.ImageURLDetailLow,
		},
	}
}

func parseScore(content string) (float64, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```"), "```")

	var parsed struct {
		Similarity *float64 `json:"similarity"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || parsed.Similarity == nil {
		return 0, fmt.Errorf("unparseable similarity %q: %w", truncate(content, 80), domain.ErrComparatorFailed)
	}
	return min(max(*parsed.Similarity, 0), 100), nil
}

// parseAPIError maps API failures onto domain errors.
// Throttling stays retryable; everything else is a comparator failure.
func parseAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("comparator API throttled: %s: %w", apiErr.Message, domain.ErrRateLimited)
		}
		return fmt.Errorf("comparator API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, domain.ErrComparatorFailed)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("comparator API throttled: %w", domain.ErrRateLimited)
		}
		return fmt.Errorf("comparator API error %d: %s: %w",
			reqErr.HTTPStatusCode, truncate(string(reqErr.Body), 200), domain.ErrComparatorFailed)
	}

	return fmt.Errorf("comparator request failed: %w: %w", domain.ErrComparatorFailed, err)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
