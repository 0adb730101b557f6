// Package pagination walks offset/count windows of a paged upstream API.
package pagination

import (
	"context"
	"fmt"
	"iter"
)

// Window is the slice of results requested from the upstream.
type Window struct {
	Offset int
	Count  int
}

// Page is one upstream response.
type Page[T any] struct {
	Items []T
	// NextOffset overrides Offset+len(Items) when the upstream reports it.
	NextOffset int
	// Consumed overrides len(Items) as the number of window slots the page
	// used, for upstreams that answer one window with several lists.
	Consumed int
}

func (p Page[T]) consumed() int {
	if p.Consumed > 0 {
		return p.Consumed
	}
	return len(p.Items)
}

// Fetcher retrieves one page.
type Fetcher[T any] func(ctx context.Context, w Window) (Page[T], error)

// Pages yields pages until a page is short, maxPages is reached or fetch
// fails. A failure is yielded once and ends the sequence.
func Pages[T any](ctx context.Context, pageSize, maxPages int, fetch Fetcher[T]) iter.Seq2[Page[T], error] {
	pageSize = max(pageSize, 1)
	maxPages = max(maxPages, 1)
	return func(yield func(Page[T], error) bool) {
		offset := 0
		for n := range maxPages {
			if err := ctx.Err(); err != nil {
				yield(Page[T]{}, err)
				return
			}
			page, err := fetch(ctx, Window{Offset: offset, Count: pageSize})
			if err != nil {
				yield(Page[T]{}, fmt.Errorf("page %d (offset %d): %w", n+1, offset, err))
				return
			}
			if !yield(page, nil) {
				return
			}
			if page.consumed() < pageSize {
				return
			}
			next := offset + page.consumed()
			if page.NextOffset > offset {
				next = page.NextOffset
			}
			offset = next
		}
	}
}

// Collect accumulates every page. Any page failure discards the partial
// result and returns the error.
func Collect[T any](ctx context.Context, pageSize, maxPages int, fetch Fetcher[T]) ([]T, error) {
	var out []T
	for page, err := range Pages(ctx, pageSize, maxPages, fetch) {
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
	}
	return out, nil
}
