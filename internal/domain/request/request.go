// Package request models an immutable visual-match search request.
package request

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Probe references the image being matched. Exactly one of Bytes or URL is set.
type Probe struct {
	Bytes []byte
	URL   string
}

// IsEmpty reports whether the probe carries no image reference.
func (p Probe) IsEmpty() bool {
	return len(p.Bytes) == 0 && strings.TrimSpace(p.URL) == ""
}

// Identity is optional metadata used to build auxiliary text queries.
type Identity struct {
	Name     string
	Location string
	Employer string
}

// IsEmpty reports whether the identity carries no name.
// Location and employer only refine a name, so a nameless identity is empty.
func (i *Identity) IsEmpty() bool {
	return i == nil || strings.TrimSpace(i.Name) == ""
}

// QueryVariants returns the ordered text-query variants:
// name; name+location; name+employer; name+location+employer.
// Variants with missing parts and duplicates are omitted.
func (i *Identity) QueryVariants() []string {
	if i.IsEmpty() {
		return nil
	}
	name := strings.TrimSpace(i.Name)
	location := strings.TrimSpace(i.Location)
	employer := strings.TrimSpace(i.Employer)

	candidates := [][]string{
		{name},
		{name, location},
		{name, employer},
		{name, location, employer},
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, parts := range candidates {
		complete := true
		for _, p := range parts {
			if p == "" {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		q := strings.Join(parts, " ")
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}

// Request is a single visual-match run. Immutable once created.
type Request struct {
	id        string
	probe     Probe
	identity  *Identity
	createdAt time.Time
}

// New creates a request with a generated identifier.
func New(probe Probe, identity *Identity) Request {
	return Reconstruct(uuid.NewString(), probe, identity, time.Now().UTC())
}

// Reconstruct restores a request from known fields.
func Reconstruct(id string, probe Probe, identity *Identity, createdAt time.Time) Request {
	var ident *Identity
	if identity != nil {
		cp := *identity
		ident = &cp
	}
	return Request{
		id:        id,
		probe:     Probe{Bytes: append([]byte(nil), probe.Bytes...), URL: strings.TrimSpace(probe.URL)},
		identity:  ident,
		createdAt: createdAt,
	}
}

// ID returns the request identifier.
func (r Request) ID() string { return r.id }

// Probe returns the probe image reference.
func (r Request) Probe() Probe { return r.probe }

// Identity returns the identity metadata, or nil.
func (r Request) Identity() *Identity {
	if r.identity == nil {
		return nil
	}
	cp := *r.identity
	return &cp
}

// CreatedAt returns the creation timestamp.
func (r Request) CreatedAt() time.Time { return r.createdAt }
