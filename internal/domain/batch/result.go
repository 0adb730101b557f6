// Package batch models per-item outcomes of a chunked fan-out.
package batch

// ItemStatus is the processing outcome of a single batch item.
type ItemStatus string

// Batch item status values.
const (
	StatusOK    ItemStatus = "ok"
	StatusError ItemStatus = "error"
	StatusPanic ItemStatus = "panic"
)

// Result is the outcome of processing one item of a chunk.
type Result[R any] struct {
	index  int
	status ItemStatus
	value  R
	err    error
}

// NewOK creates a successful result for the item at index.
func NewOK[R any](index int, value R) Result[R] {
	return Result[R]{index: index, status: StatusOK, value: value}
}

// NewError creates a failed result for the item at index.
func NewError[R any](index int, err error) Result[R] {
	return Result[R]{index: index, status: StatusError, err: err}
}

// NewPanic creates a result for an item whose work panicked.
func NewPanic[R any](index int, err error) Result[R] {
	return Result[R]{index: index, status: StatusPanic, err: err}
}

// Index returns the item position in the input.
func (r Result[R]) Index() int { return r.index }

// Status returns the processing outcome.
func (r Result[R]) Status() ItemStatus { return r.status }

// Value returns the produced value. Zero unless Status is StatusOK.
func (r Result[R]) Value() R { return r.value }

// Err returns the error, if any.
func (r Result[R]) Err() error { return r.err }

// OK reports whether the item succeeded.
func (r Result[R]) OK() bool { return r.status == StatusOK }
