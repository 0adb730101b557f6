package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest signals a malformed search request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrProbeMissing signals a request without a probe image.
	ErrProbeMissing = errors.New("probe image is missing")
	// ErrProbeUnusable signals a probe image that could not be normalized.
	ErrProbeUnusable = errors.New("probe image could not be processed")

	// ErrImageFetch signals a failed image download.
	ErrImageFetch = errors.New("image fetch failed")
	// ErrNotAnImage signals an empty or undecodable payload.
	ErrNotAnImage = errors.New("payload is not an image")
	// ErrImageTooLarge signals an image above the byte ceiling after re-encoding.
	ErrImageTooLarge = errors.New("image exceeds size limit")

	// ErrProviderUnavailable signals a search provider failure or malformed response.
	ErrProviderUnavailable = errors.New("search provider unavailable")
	// ErrAllProvidersFailed signals that every attempted provider failed.
	ErrAllProvidersFailed = errors.New("all search providers failed")
	// ErrComparatorFailed signals a similarity comparator failure.
	ErrComparatorFailed = errors.New("similarity comparator failed")
	// ErrRateLimited signals upstream throttling.
	ErrRateLimited = errors.New("rate limited")

	// ErrTerminalStatus signals a write against a completed or failed record.
	ErrTerminalStatus = errors.New("status is terminal")
	// ErrProgressRegression signals a write that would move progress backward.
	ErrProgressRegression = errors.New("progress regression")

	// ErrShuttingDown signals that no new runs are accepted.
	ErrShuttingDown = errors.New("service is shutting down")
	// ErrInterrupted signals a run stopped before it could finish.
	ErrInterrupted = errors.New("search interrupted")
)

// StageError attaches the pipeline stage to an error that ended a request.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Err.Error())
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with the stage it occurred in.
func NewStageError(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}
