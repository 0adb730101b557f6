package bing

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
	"github.com/kailas-cloud/imgmatch/internal/pagination"
)

type imageSearchResponse struct {
	Value      []imageObject `json:"value"`
	NextOffset int           `json:"nextOffset"`
}

// ImageSearch queries Bing Image Search with text.
type ImageSearch struct {
	client
}

// NewImageSearch creates a text-query image search provider.
func NewImageSearch(cfg Config) *ImageSearch {
	return &ImageSearch{client: newClient(cfg)}
}

// Name returns the provider tag.
func (s *ImageSearch) Name() string { return SourceText }

// SearchByText returns every page of images for query. Each candidate
// records query in its Terms.
func (s *ImageSearch) SearchByText(ctx context.Context, query string) ([]candidate.Candidate, error) {
	return pagination.Collect(ctx, s.pageSize, s.maxPages,
		func(ctx context.Context, w pagination.Window) (pagination.Page[candidate.Candidate], error) {
			return s.page(ctx, query, w)
		})
}

func (s *ImageSearch) page(ctx context.Context, query string, w pagination.Window) (pagination.Page[candidate.Candidate], error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(w.Count))
	q.Set("offset", strconv.Itoa(w.Offset))
	if s.market != "" {
		q.Set("mkt", s.market)
	}

	req, err := s.newRequest(ctx, http.MethodGet, "/images/search?"+q.Encode(), http.NoBody)
	if err != nil {
		return pagination.Page[candidate.Candidate]{}, err
	}

	var resp imageSearchResponse
	if err := s.do(req, SourceText, &resp); err != nil {
		return pagination.Page[candidate.Candidate]{}, err
	}

	items := make([]candidate.Candidate, 0, len(resp.Value))
	for _, o := range resp.Value {
		items = append(items, o.toCandidate(SourceText).WithTerm(query))
	}
	return pagination.Page[candidate.Candidate]{Items: items, NextOffset: resp.NextOffset}, nil
}
