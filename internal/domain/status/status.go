// Package status models the persisted progress record of a search request.
package status

import (
	"fmt"
	"math"
	"time"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/match"
)

// State is the lifecycle state of a search request.
type State string

// Lifecycle states.
const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Field names a persisted attribute of a Record.
type Field string

// Persisted fields.
const (
	FieldState          Field = "status"
	FieldProgress       Field = "progress"
	FieldMatches        Field = "matches"
	FieldTotalProcessed Field = "totalProcessed"
	FieldTotalAvailable Field = "totalAvailable"
	FieldReason         Field = "reason"
	FieldVersion        Field = "version"
	FieldTimestamp      Field = "timestamp"
)

// Record is the status of one search request.
type Record struct {
	RequestID      string
	State          State
	Progress       int
	Matches        []match.Match
	TotalProcessed int
	TotalAvailable int
	Reason         string
	Version        int64
	Timestamp      time.Time
}

// New returns the initial processing record for requestID.
func New(requestID string, now time.Time) Record {
	return Record{
		RequestID: requestID,
		State:     StateProcessing,
		Matches:   []match.Match{},
		Version:   1,
		Timestamp: now.UTC(),
	}
}

// Update is a partial change to a Record. Nil fields are left untouched.
type Update struct {
	State          *State
	Progress       *int
	Matches        *[]match.Match
	TotalProcessed *int
	TotalAvailable *int
	Reason         *string
}

// Available records the deduplicated candidate count.
func Available(total int) Update {
	return Update{TotalAvailable: &total}
}

// Progressed records the aggregate after a chunk.
func Progressed(progress, processed int, matches []match.Match) Update {
	ms := cloneMatches(matches)
	return Update{Progress: &progress, TotalProcessed: &processed, Matches: &ms}
}

// Completed finishes the request with the full match list.
func Completed(processed, available int, matches []match.Match) Update {
	s := StateCompleted
	ms := cloneMatches(matches)
	return Update{State: &s, Matches: &ms, TotalProcessed: &processed, TotalAvailable: &available}
}

// Failed finishes the request with a human-readable reason.
func Failed(reason string) Update {
	s := StateFailed
	return Update{State: &s, Reason: &reason}
}

// Apply validates u against r and returns the resulting record plus the
// fields that changed. A nil field list means nothing changed.
//
// Terminal records reject every update. Progress and TotalProcessed never
// move backward while processing. Failing forces progress 0 and no matches;
// completing forces progress 100.
func (r Record) Apply(u Update, now time.Time) (Record, []Field, error) {
	if r.State.Terminal() {
		return r, nil, fmt.Errorf("request %s is %s: %w", r.RequestID, r.State, domain.ErrTerminalStatus)
	}

	next := r
	next.Matches = cloneMatches(r.Matches)
	var changed []Field
	mark := func(f Field) { changed = append(changed, f) }

	target := r.State
	if u.State != nil {
		if !u.State.Valid() {
			return r, nil, fmt.Errorf("unknown state %q: %w", *u.State, domain.ErrInvalidRequest)
		}
		target = *u.State
	}

	switch target {
	case StateFailed:
		next.State = StateFailed
		mark(FieldState)
		if r.Progress != 0 {
			next.Progress = 0
			mark(FieldProgress)
		}
		next.Matches = []match.Match{}
		mark(FieldMatches)
		if u.Reason != nil && *u.Reason != r.Reason {
			next.Reason = *u.Reason
			mark(FieldReason)
		}
		if u.TotalAvailable != nil && *u.TotalAvailable != r.TotalAvailable {
			next.TotalAvailable = *u.TotalAvailable
			mark(FieldTotalAvailable)
		}
		return stamp(next, changed, now)
	case StateCompleted:
		next.State = StateCompleted
		mark(FieldState)
		if r.Progress != 100 {
			next.Progress = 100
			mark(FieldProgress)
		}
	default:
		if u.Progress != nil {
			p := clampPercent(*u.Progress)
			if p < r.Progress {
				return r, nil, fmt.Errorf("progress %d < %d: %w", p, r.Progress, domain.ErrProgressRegression)
			}
			if p != r.Progress {
				next.Progress = p
				mark(FieldProgress)
			}
		}
	}

	if u.TotalProcessed != nil {
		if *u.TotalProcessed < r.TotalProcessed {
			return r, nil, fmt.Errorf("processed %d < %d: %w",
				*u.TotalProcessed, r.TotalProcessed, domain.ErrProgressRegression)
		}
		if *u.TotalProcessed != r.TotalProcessed {
			next.TotalProcessed = *u.TotalProcessed
			mark(FieldTotalProcessed)
		}
	}
	if u.TotalAvailable != nil && *u.TotalAvailable != r.TotalAvailable {
		next.TotalAvailable = *u.TotalAvailable
		mark(FieldTotalAvailable)
	}
	if u.Matches != nil && !sameMatches(*u.Matches, r.Matches) {
		next.Matches = cloneMatches(*u.Matches)
		mark(FieldMatches)
	}

	return stamp(next, changed, now)
}

func stamp(next Record, changed []Field, now time.Time) (Record, []Field, error) {
	if len(changed) == 0 {
		return next, nil, nil
	}
	next.Version++
	next.Timestamp = now.UTC()
	return next, append(changed, FieldVersion, FieldTimestamp), nil
}

// Percent returns round(processed/total*100) clamped to [0, 100].
// An empty total counts as fully processed.
func Percent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return clampPercent(int(math.Round(float64(processed) / float64(total) * 100)))
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func cloneMatches(ms []match.Match) []match.Match {
	out := make([]match.Match, len(ms))
	copy(out, ms)
	return out
}

func sameMatches(a, b []match.Match) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Similarity != b[i].Similarity {
			return false
		}
	}
	return true
}
