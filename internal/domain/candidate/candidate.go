// Package candidate holds images returned by search providers.
package candidate

import "github.com/google/uuid"

// Candidate is an image returned by a search provider.
type Candidate struct {
	ID           string
	Source       string
	HostPageURL  string
	TargetURL    string
	ThumbnailURL string
	Width        int
	Height       int
	// Terms records the text queries that surfaced this image.
	Terms []string
}

// New creates a candidate with a generated identifier.
func New(source, hostPageURL, targetURL, thumbnailURL string, width, height int) Candidate {
	return Candidate{
		ID:           uuid.NewString(),
		Source:       source,
		HostPageURL:  hostPageURL,
		TargetURL:    targetURL,
		ThumbnailURL: thumbnailURL,
		Width:        width,
		Height:       height,
	}
}

// WithTerm returns a copy of c with term appended to its provenance.
func (c Candidate) WithTerm(term string) Candidate {
	if term == "" {
		return c
	}
	terms := make([]string, 0, len(c.Terms)+1)
	terms = append(terms, c.Terms...)
	c.Terms = appendUnique(terms, term)
	return c
}

// Dedupe collapses candidates sharing a TargetURL (exact, case-sensitive).
// The first occurrence is kept; later ones only contribute their Terms.
// Output preserves first-occurrence order. Empty TargetURLs are dropped.
func Dedupe(cs []Candidate) []Candidate {
	index := make(map[string]int, len(cs))
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		if c.TargetURL == "" {
			continue
		}
		if i, ok := index[c.TargetURL]; ok {
			for _, t := range c.Terms {
				out[i].Terms = appendUnique(out[i].Terms, t)
			}
			continue
		}
		c.Terms = append([]string(nil), c.Terms...)
		index[c.TargetURL] = len(out)
		out = append(out, c)
	}
	return out
}

func appendUnique(terms []string, t string) []string {
	for _, existing := range terms {
		if existing == t {
			return terms
		}
	}
	return append(terms, t)
}
