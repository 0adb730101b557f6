// Package webhook delivers search outcomes to downstream consumers.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/domain/match"
)

const (
	defaultSecretHeader  = "X-Webhook-Secret"
	defaultBatchSize     = 20
	defaultFlushInterval = 30 * time.Second
	sendTimeout          = 10 * time.Second
)

// Config holds webhook destinations.
type Config struct {
	MatchesURL    string
	ClearedURL    string
	Secret        string
	SecretHeader  string
	BatchSize     int
	FlushInterval time.Duration
	Client        *http.Client
	Logger        *zap.Logger
}

// Notifier posts match payloads and batches cleared request ids.
// Delivery is fire-and-forget: failures are logged and never retried.
type Notifier struct {
	matchesURL   string
	clearedURL   string
	secret       string
	secretHeader string
	batchSize    int
	client       *http.Client
	logger       *zap.Logger

	mu      sync.Mutex
	pending []string
	flushCh chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a notifier and starts its cleared-batch flusher.
func New(cfg Config) *Notifier {
	n := &Notifier{
		matchesURL:   strings.TrimSpace(cfg.MatchesURL),
		clearedURL:   strings.TrimSpace(cfg.ClearedURL),
		secret:       cfg.Secret,
		secretHeader: cfg.SecretHeader,
		batchSize:    cfg.BatchSize,
		client:       cfg.Client,
		logger:       cfg.Logger,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	if n.secretHeader == "" {
		n.secretHeader = defaultSecretHeader
	}
	if n.batchSize <= 0 {
		n.batchSize = defaultBatchSize
	}
	if n.client == nil {
		n.client = &http.Client{Timeout: sendTimeout}
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	go n.loop(interval)
	return n
}

type matchPayload struct {
	URL          string  `json:"url"`
	Similarity   float64 `json:"similarity"`
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
	HostPageURL  string  `json:"hostPageUrl,omitempty"`
}

type matchesPayload struct {
	RequestID string         `json:"requestId"`
	Matches   []matchPayload `json:"matches"`
}

type clearedPayload struct {
	ClearedRequestIDs []string `json:"clearedRequestIds"`
}

// NotifyMatches posts the matches of a completed request.
func (n *Notifier) NotifyMatches(ctx context.Context, requestID string, matches []match.Match) {
	if n.matchesURL == "" {
		return
	}
	payload := matchesPayload{RequestID: requestID, Matches: make([]matchPayload, 0, len(matches))}
	for _, m := range matches {
		payload.Matches = append(payload.Matches, matchPayload{
			URL:          m.TargetURL,
			Similarity:   m.Similarity,
			ThumbnailURL: m.ThumbnailURL,
			HostPageURL:  m.HostPageURL,
		})
	}
	if err := n.post(context.WithoutCancel(ctx), n.matchesURL, payload); err != nil {
		n.logger.Warn("matches webhook failed", zap.String("search_request_id", requestID), zap.Error(err))
	}
}

// NotifyCleared queues requestID for the next cleared batch.
func (n *Notifier) NotifyCleared(_ context.Context, requestID string) {
	if n.clearedURL == "" {
		return
	}
	n.mu.Lock()
	n.pending = append(n.pending, requestID)
	full := len(n.pending) >= n.batchSize
	n.mu.Unlock()

	if full {
		select {
		case n.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the flusher after sending whatever is still queued.
func (n *Notifier) Close(ctx context.Context) error {
	n.once.Do(func() { close(n.done) })
	select {
	case <-n.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook close: %w", ctx.Err())
	}
}

func (n *Notifier) loop(interval time.Duration) {
	defer close(n.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			n.flush()
			return
		case <-ticker.C:
			n.flush()
		case <-n.flushCh:
			n.flush()
		}
	}
}

func (n *Notifier) flush() {
	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.mu.Unlock()
			return
		}
		size := min(len(n.pending), n.batchSize)
		batch := append([]string(nil), n.pending[:size]...)
		n.pending = n.pending[size:]
		n.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := n.post(ctx, n.clearedURL, clearedPayload{ClearedRequestIDs: batch})
		cancel()
		if err != nil {
			n.logger.Warn("cleared webhook failed", zap.Int("batch_size", len(batch)), zap.Error(err))
		}
	}
}

func (n *Notifier) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(n.secretHeader, n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("POST %s returned %d", url, resp.StatusCode)
	}
	return nil
}
