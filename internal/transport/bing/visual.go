package bing

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/kailas-cloud/imgmatch/internal/domain/candidate"
	"github.com/kailas-cloud/imgmatch/internal/pagination"
)

// Visual Search action types that carry image results.
const (
	actionPagesIncluding = "PagesIncluding"
	actionVisualSearch   = "VisualSearch"
)

type visualSearchResponse struct {
	Tags []struct {
		Actions []struct {
			ActionType string `json:"actionType"`
			Data       struct {
				Value []imageObject `json:"value"`
			} `json:"data"`
		} `json:"actions"`
	} `json:"tags"`
}

// VisualSearch queries Bing Visual Search with an image.
type VisualSearch struct {
	client
}

// NewVisualSearch creates a reverse-image search provider.
func NewVisualSearch(cfg Config) *VisualSearch {
	return &VisualSearch{client: newClient(cfg)}
}

// Name returns the provider tag.
func (v *VisualSearch) Name() string { return SourceVisual }

// SearchByImage uploads image and returns every page of candidates.
// A failed page fails the whole call.
func (v *VisualSearch) SearchByImage(ctx context.Context, image []byte) ([]candidate.Candidate, error) {
	return pagination.Collect(ctx, v.pageSize, v.maxPages,
		func(ctx context.Context, w pagination.Window) (pagination.Page[candidate.Candidate], error) {
			return v.page(ctx, image, w)
		})
}

// page returns the image actions of one window. Each action pages on its
// own, so the page consumes as many slots as its longest action.
func (v *VisualSearch) page(
	ctx context.Context, image []byte, w pagination.Window,
) (pagination.Page[candidate.Candidate], error) {
	var page pagination.Page[candidate.Candidate]
	body, contentType, err := multipartImage(image)
	if err != nil {
		return page, err
	}

	q := url.Values{}
	q.Set("offset", strconv.Itoa(w.Offset))
	q.Set("count", strconv.Itoa(w.Count))
	if v.market != "" {
		q.Set("mkt", v.market)
	}

	req, err := v.newRequest(ctx, http.MethodPost, "/images/visualsearch?"+q.Encode(), body)
	if err != nil {
		return page, err
	}
	req.Header.Set("Content-Type", contentType)

	var resp visualSearchResponse
	if err := v.do(req, SourceVisual, &resp); err != nil {
		return page, err
	}

	for _, tag := range resp.Tags {
		for _, action := range tag.Actions {
			if action.ActionType != actionPagesIncluding && action.ActionType != actionVisualSearch {
				continue
			}
			values := action.Data.Value
			if len(values) > w.Count {
				values = values[:w.Count]
			}
			for _, o := range values {
				page.Items = append(page.Items, o.toCandidate(SourceVisual))
			}
			page.Consumed = max(page.Consumed, len(values))
		}
	}
	return page, nil
}

func multipartImage(image []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="probe.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
