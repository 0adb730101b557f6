// Package batch runs work over items in sequential, fixed-width chunks.
package batch

import (
	"context"
	"fmt"
	"iter"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	dombatch "github.com/kailas-cloud/imgmatch/internal/domain/batch"
	"github.com/kailas-cloud/imgmatch/internal/logger"
)

// Work processes one item.
type Work[T, R any] func(ctx context.Context, item T) (R, error)

// Progress is the running aggregate after a chunk resolved.
type Progress[R any] struct {
	// Processed counts items resolved so far, failures included.
	Processed int
	Total     int
	// Results holds successful values in completion order.
	Results []R
	Failed  int
	// Chunk holds the outcomes of the chunk that just resolved, in input order.
	Chunk []dombatch.Result[R]
}

// Process splits items into consecutive chunks of width and runs every item
// of a chunk concurrently. The next chunk starts only after the whole chunk
// resolved. A failing or panicking item is logged and excluded from Results.
// Breaking out of the range loop, or a cancelled ctx, stops further chunks.
func Process[T, R any](ctx context.Context, items []T, width int, work Work[T, R]) iter.Seq[Progress[R]] {
	if width <= 0 {
		width = 1
	}
	return func(yield func(Progress[R]) bool) {
		log := logger.FromContext(ctx)
		agg := Progress[R]{Total: len(items)}

		for start := 0; start < len(items); start += width {
			if ctx.Err() != nil {
				return
			}
			end := min(start+width, len(items))
			chunk, completed := runChunk(ctx, log, items[start:end], start, work)

			agg.Processed += len(chunk)
			agg.Results = append(agg.Results, completed...)
			for _, r := range chunk {
				if !r.OK() {
					agg.Failed++
				}
			}
			agg.Chunk = chunk

			snapshot := agg
			snapshot.Results = append([]R(nil), agg.Results...)
			if !yield(snapshot) {
				return
			}
		}
	}
}

func runChunk[T, R any](
	ctx context.Context, log *zap.Logger, items []T, offset int, work Work[T, R],
) ([]dombatch.Result[R], []R) {
	outcomes := make([]dombatch.Result[R], len(items))

	var (
		mu        sync.Mutex
		completed []R
		g         errgroup.Group
	)
	for i, item := range items {
		idx := offset + i
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("batch item panicked",
						zap.Int("index", idx),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
					)
					outcomes[i] = dombatch.NewPanic[R](idx, fmt.Errorf("panic: %v", rec))
				}
			}()

			v, werr := work(ctx, item)
			if werr != nil {
				log.Warn("batch item failed", zap.Int("index", idx), zap.Error(werr))
				outcomes[i] = dombatch.NewError[R](idx, werr)
				return nil
			}
			outcomes[i] = dombatch.NewOK(idx, v)
			mu.Lock()
			completed = append(completed, v)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, completed
}
