package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/match"
	"github.com/kailas-cloud/imgmatch/internal/domain/request"
	"github.com/kailas-cloud/imgmatch/internal/domain/status"
	healthuc "github.com/kailas-cloud/imgmatch/internal/usecase/health"
	searchuc "github.com/kailas-cloud/imgmatch/internal/usecase/search"
)

type fakeSearch struct {
	initiateErr error
	gotInput    searchuc.InitiateInput
	records     map[string]status.Record
	statusErr   error
}

func (f *fakeSearch) Initiate(_ context.Context, in searchuc.InitiateInput) (request.Request, error) {
	f.gotInput = in
	if f.initiateErr != nil {
		return request.Request{}, f.initiateErr
	}
	return request.Reconstruct("req-1", request.Probe{URL: in.Image}, in.Identity, time.Now()), nil
}

func (f *fakeSearch) Status(_ context.Context, id string) (status.Record, error) {
	if f.statusErr != nil {
		return status.Record{}, f.statusErr
	}
	rec, ok := f.records[id]
	if !ok {
		return status.Record{}, fmt.Errorf("status %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

type fakeHealth struct {
	report healthuc.Report
}

func (f fakeHealth) Check(context.Context) healthuc.Report { return f.report }

func newTestRouter(search SearchService, health HealthChecker, cfg RouterConfig) http.Handler {
	if health == nil {
		health = fakeHealth{report: healthuc.Report{Status: healthuc.Healthy}}
	}
	return NewRouter(NewServer(search, health, zap.NewNop()), cfg, zap.NewNop())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestInitiateSearch_Accepted(t *testing.T) {
	search := &fakeSearch{}
	h := newTestRouter(search, nil, RouterConfig{})

	body := `{"image":"https://example.com/a.jpg","identityMetadata":{"name":"Ada","location":"London"}}`
	rr := do(t, h, http.MethodPost, "/initiateSearch", body)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	resp := decode[InitiateSearchResponse](t, rr)
	if resp.RequestID != "req-1" || resp.Status != "processing" {
		t.Errorf("response = %+v", resp)
	}
	if search.gotInput.Image != "https://example.com/a.jpg" {
		t.Errorf("image = %q", search.gotInput.Image)
	}
	if id := search.gotInput.Identity; id == nil || id.Name != "Ada" || id.Location != "London" {
		t.Errorf("identity = %+v", id)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestInitiateSearch_NoIdentity(t *testing.T) {
	search := &fakeSearch{}
	h := newTestRouter(search, nil, RouterConfig{})

	rr := do(t, h, http.MethodPost, "/initiateSearch", `{"image":"aGVsbG8="}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	if search.gotInput.Identity != nil {
		t.Errorf("identity = %+v, want nil", search.gotInput.Identity)
	}
}

func TestInitiateSearch_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  ErrorCode
	}{
		{"invalid json", `{"image":`, nil, http.StatusBadRequest, ErrorCodeBadRequest},
		{"invalid image", `{"image":"%%%"}`, fmt.Errorf("decode: %w", domain.ErrInvalidRequest),
			http.StatusBadRequest, ErrorCodeBadRequest},
		{"shutting down", `{"image":"x"}`, domain.ErrShuttingDown, http.StatusServiceUnavailable, ErrorCodeUnavailable},
		{"rate limited", `{"image":"x"}`, domain.ErrRateLimited, http.StatusTooManyRequests, ErrorCodeRateLimited},
		{"internal", `{"image":"x"}`, errors.New("boom"), http.StatusInternalServerError, ErrorCodeInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestRouter(&fakeSearch{initiateErr: tc.err}, nil, RouterConfig{})
			rr := do(t, h, http.MethodPost, "/initiateSearch", tc.body)
			if rr.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantCode)
			}
			resp := decode[ErrorResponse](t, rr)
			if resp.Code != tc.wantErr {
				t.Errorf("code = %s, want %s", resp.Code, tc.wantErr)
			}
			if tc.err != nil && strings.Contains(resp.Message, "boom") {
				t.Errorf("internal detail leaked: %q", resp.Message)
			}
		})
	}
}

func TestInitiateSearch_BodyTooLarge(t *testing.T) {
	h := newTestRouter(&fakeSearch{}, nil, RouterConfig{MaxBodyBytes: 16})
	rr := do(t, h, http.MethodPost, "/initiateSearch", `{"image":"`+strings.Repeat("A", 64)+`"}`)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestGetStatus(t *testing.T) {
	now := time.Now()
	search := &fakeSearch{records: map[string]status.Record{
		"running": {RequestID: "running", State: status.StateProcessing, Progress: 40,
			TotalProcessed: 2, TotalAvailable: 5, Timestamp: now},
		"done": {RequestID: "done", State: status.StateCompleted, Progress: 100,
			TotalProcessed: 2, TotalAvailable: 2, Timestamp: now,
			Matches: []match.Match{{TargetURL: "https://x/1.jpg", ThumbnailURL: "https://x/t1.jpg", Similarity: 97.5}}},
		"failed":   {RequestID: "failed", State: status.StateFailed, Reason: "probe image is missing"},
		"noreason": {RequestID: "noreason", State: status.StateFailed},
	}}
	h := newTestRouter(search, nil, RouterConfig{})

	t.Run("processing", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/status/running", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		resp := decode[StatusResponse](t, rr)
		if resp.Status != "processing" || resp.Progress != 40 || resp.TotalProcessed != 2 || resp.TotalAvailable != 5 {
			t.Errorf("response = %+v", resp)
		}
		if resp.Matches == nil || len(resp.Matches) != 0 {
			t.Errorf("matches = %v, want empty list", resp.Matches)
		}
		if resp.Reason != "" {
			t.Errorf("reason = %q, want empty", resp.Reason)
		}
	})

	t.Run("completed", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/status/done", "")
		resp := decode[StatusResponse](t, rr)
		if resp.Status != "completed" || len(resp.Matches) != 1 {
			t.Fatalf("response = %+v", resp)
		}
		m := resp.Matches[0]
		if m.URL != "https://x/1.jpg" || m.ThumbnailURL != "https://x/t1.jpg" || m.Similarity != 97.5 {
			t.Errorf("match = %+v", m)
		}
	})

	t.Run("failed with reason", func(t *testing.T) {
		resp := decode[StatusResponse](t, do(t, h, http.MethodGet, "/status/failed", ""))
		if resp.Status != "failed" || resp.Reason != "probe image is missing" {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("failed without reason", func(t *testing.T) {
		resp := decode[StatusResponse](t, do(t, h, http.MethodGet, "/status/noreason", ""))
		if resp.Reason != "internal error" {
			t.Errorf("reason = %q", resp.Reason)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/status/missing", "")
		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rr.Code)
		}
		if resp := decode[ErrorResponse](t, rr); resp.Code != ErrorCodeNotFound {
			t.Errorf("code = %s", resp.Code)
		}
	})
}

func TestGetStatus_StoreFailure(t *testing.T) {
	h := newTestRouter(&fakeSearch{statusErr: errors.New("connection refused")}, nil, RouterConfig{})
	rr := do(t, h, http.MethodGet, "/status/abc", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if resp := decode[ErrorResponse](t, rr); strings.Contains(resp.Message, "connection") {
		t.Errorf("internal detail leaked: %q", resp.Message)
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name     string
		report   healthuc.Report
		wantCode int
	}{
		{"healthy", healthuc.Report{Status: healthuc.Healthy, Checks: map[string]healthuc.CheckResult{
			healthuc.ComponentDatabase: healthuc.CheckOK,
		}}, http.StatusOK},
		{"degraded", healthuc.Report{Status: healthuc.Degraded, Checks: map[string]healthuc.CheckResult{
			healthuc.ComponentComparator: healthuc.CheckError,
		}}, http.StatusOK},
		{"unhealthy", healthuc.Report{Status: healthuc.Unhealthy, Checks: map[string]healthuc.CheckResult{
			healthuc.ComponentDatabase: healthuc.CheckError,
		}}, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestRouter(&fakeSearch{}, fakeHealth{report: tc.report}, RouterConfig{APIKeys: []string{"k"}})
			rr := do(t, h, http.MethodGet, "/health", "")
			if rr.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantCode)
			}
			resp := decode[HealthResponse](t, rr)
			if resp.Status != string(tc.report.Status) {
				t.Errorf("status = %q, want %q", resp.Status, tc.report.Status)
			}
			for k, v := range tc.report.Checks {
				if resp.Checks[k] != string(v) {
					t.Errorf("check %s = %q, want %q", k, resp.Checks[k], v)
				}
			}
		})
	}
}

func TestRouter_AuthApplied(t *testing.T) {
	h := newTestRouter(&fakeSearch{}, nil, RouterConfig{APIKeys: []string{"secret"}})

	rr := do(t, h, http.MethodGet, "/status/abc", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rr.Code)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	h := newTestRouter(&fakeSearch{}, nil, RouterConfig{})
	rr := do(t, h, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if resp := decode[ErrorResponse](t, rr); resp.Code != ErrorCodeNotFound {
		t.Errorf("code = %s", resp.Code)
	}
}

type panicSearch struct{ fakeSearch }

func (p *panicSearch) Status(context.Context, string) (status.Record, error) {
	panic("kaboom")
}

func TestRouter_RecoversPanics(t *testing.T) {
	h := newTestRouter(&panicSearch{}, nil, RouterConfig{})
	rr := do(t, h, http.MethodGet, "/status/abc", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if resp := decode[ErrorResponse](t, rr); resp.Code != ErrorCodeInternal {
		t.Errorf("code = %s", resp.Code)
	}
}
