package chi

// ErrorCode is a machine-readable error identifier.
type ErrorCode string

// Error codes returned in ErrorResponse.
const (
	ErrorCodeBadRequest   ErrorCode = "bad_request"
	ErrorCodeUnauthorized ErrorCode = "unauthorized"
	ErrorCodeNotFound     ErrorCode = "not_found"
	ErrorCodeRateLimited  ErrorCode = "rate_limited"
	ErrorCodeUnavailable  ErrorCode = "unavailable"
	ErrorCodeTooLarge     ErrorCode = "payload_too_large"
	ErrorCodeInternal     ErrorCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// IdentityMetadata refines the search with text queries.
type IdentityMetadata struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Employer string `json:"employer,omitempty"`
}

// InitiateSearchRequest is the body of POST /initiateSearch.
type InitiateSearchRequest struct {
	// Image is base64 (optionally a data URL) or an http(s) URL.
	Image            string            `json:"image"`
	IdentityMetadata *IdentityMetadata `json:"identityMetadata,omitempty"`
}

// InitiateSearchResponse acknowledges an accepted search.
type InitiateSearchResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// MatchResponse is one matched image.
type MatchResponse struct {
	URL          string  `json:"url"`
	Similarity   float64 `json:"similarity"`
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
}

// StatusResponse is the body of GET /status/{requestId}.
type StatusResponse struct {
	Status         string          `json:"status"`
	Progress       int             `json:"progress"`
	Matches        []MatchResponse `json:"matches"`
	TotalProcessed int             `json:"totalProcessed"`
	TotalAvailable int             `json:"totalAvailable"`
	Reason         string          `json:"reason,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
