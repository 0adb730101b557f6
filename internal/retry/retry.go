// Package retry runs calls with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/domain"
)

// Policy controls attempts, backoff and per-attempt timeout.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Timeout bounds each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// Retryable classifies errors. Nil uses IsTransient.
	Retryable func(error) bool
}

// DefaultPolicy returns 3 attempts, 500ms→1s→2s, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// WithTimeout returns a copy of p with a per-attempt timeout.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.Timeout = d
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts are
// exhausted, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var (
		zero    T
		lastErr error
	)
	delay := p.InitialDelay

	for attempt := range attempts {
		v, err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err

		// A done parent context ends the loop regardless of classification.
		if ctx.Err() != nil || !retryable(err) || attempt == attempts-1 {
			break
		}

		wait := jitter(delay)
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * max(p.Multiplier, 1))
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// jitter applies ±25% randomization.
func jitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5 //nolint:gosec // jitter only
	return time.Duration(float64(d) * factor)
}

// permanent lists domain errors that never succeed on retry.
var permanent = []error{
	domain.ErrNotAnImage,
	domain.ErrImageTooLarge,
	domain.ErrInvalidRequest,
	domain.ErrTerminalStatus,
	domain.ErrProgressRegression,
	domain.ErrNotFound,
}

// IsTransient reports whether err may succeed on retry: timeouts, network
// errors, EOF and upstream throttling. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}
	if errors.Is(err, domain.ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused")
}
