// Package httpclient builds traced, throttled outbound HTTP clients.
package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

type options struct {
	timeout time.Duration
	rps     float64
	burst   int
	base    http.RoundTripper
}

// Option configures a client.
type Option func(*options)

// WithTimeout sets the whole-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRateLimit throttles outbound requests with a token bucket.
// Requests wait for a token instead of failing.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.rps = rps
		o.burst = burst
	}
}

// WithBaseTransport replaces http.DefaultTransport.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// New returns a client whose transport is traced by otelhttp and optionally rate limited.
func New(opts ...Option) *http.Client {
	o := options{base: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}

	var rt http.RoundTripper = otelhttp.NewTransport(o.base)
	if o.rps > 0 {
		rt = &limitedTransport{next: rt, limiter: rate.NewLimiter(rate.Limit(o.rps), max(o.burst, 1))}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type limitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return t.next.RoundTrip(req) //nolint:wrapcheck // transport passthrough
}
