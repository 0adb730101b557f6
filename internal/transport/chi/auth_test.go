package chi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestBearerAuthMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		keys     []string
		method   string
		path     string
		header   string
		wantCode int
	}{
		{"auth disabled", nil, http.MethodGet, "/status/abc", "", http.StatusOK},
		{"blank keys disable auth", []string{"", ""}, http.MethodGet, "/status/abc", "", http.StatusOK},
		{"missing header", []string{"secret"}, http.MethodGet, "/status/abc", "", http.StatusUnauthorized},
		{"basic scheme", []string{"secret"}, http.MethodGet, "/status/abc", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"wrong key", []string{"secret"}, http.MethodPost, "/initiateSearch", "Bearer wrong", http.StatusUnauthorized},
		{"key prefix", []string{"secret"}, http.MethodPost, "/initiateSearch", "Bearer secre", http.StatusUnauthorized},
		{"key with suffix", []string{"secret"}, http.MethodPost, "/initiateSearch", "Bearer secret2", http.StatusUnauthorized},
		{"empty token", []string{"secret"}, http.MethodPost, "/initiateSearch", "Bearer ", http.StatusUnauthorized},
		{"valid key", []string{"secret"}, http.MethodPost, "/initiateSearch", "Bearer secret", http.StatusOK},
		{"second of two keys", []string{"k1", "k2"}, http.MethodGet, "/status/abc", "Bearer k2", http.StatusOK},
		{"health exempt", []string{"secret"}, http.MethodGet, "/health", "", http.StatusOK},
		{"metrics exempt", []string{"secret"}, http.MethodGet, "/metrics", "", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := BearerAuthMiddleware(tc.keys)(okHandler())

			req := httptest.NewRequest(tc.method, tc.path, http.NoBody)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tc.wantCode {
				t.Fatalf("got %d, want %d", rr.Code, tc.wantCode)
			}
			if tc.wantCode != http.StatusUnauthorized {
				return
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if resp.Code != ErrorCodeUnauthorized {
				t.Errorf("error code = %s, want %s", resp.Code, ErrorCodeUnauthorized)
			}
		})
	}
}
