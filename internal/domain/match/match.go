// Package match holds confirmed candidate matches.
package match

import (
	"time"

	"github.com/google/uuid"

	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
)

// Match is a candidate whose similarity met the threshold.
type Match struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"requestId"`
	CandidateID  string    `json:"candidateId"`
	TargetURL    string    `json:"url"`
	HostPageURL  string    `json:"hostPageUrl,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Similarity   float64   `json:"similarity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// New builds a match for candidate c within request requestID.
func New(requestID string, c candidate.Candidate, similarity float64) Match {
	return Match{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		CandidateID:  c.ID,
		TargetURL:    c.TargetURL,
		HostPageURL:  c.HostPageURL,
		ThumbnailURL: c.ThumbnailURL,
		Similarity:   similarity,
		CreatedAt:    time.Now().UTC(),
	}
}

// Meets reports whether score satisfies threshold. Equality counts as a match.
func Meets(score, threshold float64) bool {
	return score >= threshold
}
