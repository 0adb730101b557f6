// Package chi exposes the search API over HTTP.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/request"
	"github.com/kailas-cloud/imgmatch/internal/domain/status"
	"github.com/kailas-cloud/imgmatch/internal/logger"
	healthuc "github.com/kailas-cloud/imgmatch/internal/usecase/health"
	searchuc "github.com/kailas-cloud/imgmatch/internal/usecase/search"
)

// SearchService starts searches and reads their status.
type SearchService interface {
	Initiate(ctx context.Context, in searchuc.InitiateInput) (request.Request, error)
	Status(ctx context.Context, id string) (status.Record, error)
}

// HealthChecker aggregates component health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server holds the HTTP handlers.
type Server struct {
	search        SearchService
	health        HealthChecker
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(search SearchService, health HealthChecker, logger *zap.Logger) *Server {
	s := &Server{search: search, health: health, logger: logger}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, ErrorCodeBadRequest),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, ErrorCodeNotFound),
		sentinelHandler(domain.ErrRateLimited, http.StatusTooManyRequests, ErrorCodeRateLimited),
		sentinelHandler(domain.ErrShuttingDown, http.StatusServiceUnavailable, ErrorCodeUnavailable),
	}
	return s
}

// Register mounts the API routes on r.
func (s *Server) Register(r chi.Router) {
	r.Post("/initiateSearch", s.InitiateSearch)
	r.Get("/status/{requestId}", s.GetStatus)
	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// InitiateSearch handles POST /initiateSearch.
func (s *Server) InitiateSearch(w http.ResponseWriter, r *http.Request) {
	var req InitiateSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrorCodeTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	in := searchuc.InitiateInput{Image: req.Image}
	if m := req.IdentityMetadata; m != nil {
		in.Identity = &request.Identity{Name: m.Name, Location: m.Location, Employer: m.Employer}
	}

	created, err := s.search.Initiate(r.Context(), in)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, InitiateSearchResponse{
		RequestID: created.ID(),
		Status:    string(status.StateProcessing),
	})
}

// GetStatus handles GET /status/{requestId}.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "requestId"))
	rec, err := s.search.Status(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewStatusResponse(rec))
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	code := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{Status: string(report.Status), Checks: checks})
}

// NewStatusResponse renders a status record for clients.
func NewStatusResponse(rec status.Record) StatusResponse {
	matches := make([]MatchResponse, 0, len(rec.Matches))
	for _, m := range rec.Matches {
		matches = append(matches, MatchResponse{
			URL:          m.TargetURL,
			Similarity:   m.Similarity,
			ThumbnailURL: m.ThumbnailURL,
		})
	}
	resp := StatusResponse{
		Status:         string(rec.State),
		Progress:       rec.Progress,
		Matches:        matches,
		TotalProcessed: rec.TotalProcessed,
		TotalAvailable: rec.TotalAvailable,
	}
	if rec.State == status.StateFailed {
		resp.Reason = rec.Reason
		if resp.Reason == "" {
			resp.Reason = "internal error"
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrInvalidRequest,
		domain.ErrNotFound,
		domain.ErrRateLimited,
		domain.ErrShuttingDown,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			log.Debug("domain error", zap.Error(err))
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorCodeInternal, "internal error")
}
