package search

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kailas-cloud/imgmatch/internal/domain"
)

// Dispatcher runs searches in the background, at most maxConcurrent at a
// time. Runs are detached from the caller's context.
type Dispatcher struct {
	sem    *semaphore.Weighted
	base   context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. maxConcurrent <= 0 means 1.
func NewDispatcher(maxConcurrent int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sem:    semaphore.NewWeighted(int64(max(maxConcurrent, 1))),
		base:   base,
		cancel: cancel,
		logger: logger,
	}
}

// Go schedules fn. It returns domain.ErrShuttingDown after Wait was called.
// A run still waiting for a slot when shutdown is forced is started with a
// cancelled context so it can record its own interruption.
func (d *Dispatcher) Go(fn func(ctx context.Context)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.ErrShuttingDown
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("search run panicked",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())),
				)
			}
		}()
		if err := d.sem.Acquire(d.base, 1); err != nil {
			fn(d.base)
			return
		}
		defer d.sem.Release(1)
		fn(d.base)
	}()
	return nil
}

// Wait stops accepting runs and blocks until in-flight runs finish. When ctx
// expires first, in-flight runs are cancelled and Wait returns ctx's error
// once they have returned.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("drain searches: %w", ctx.Err())
	}
}
