package ioruntime

import "github.com/ehrlich-b/ioruntime/internal/pool"

// callable adapts a one-shot user closure to the worker pool's Callable
// interface. A heap-resident header-plus-function-pointer layout would
// let a closure travel through a literal byte pipe; Go closures already
// carry their captured state on the heap and the pool's overflow queue
// threads a side-table index rather than raw bytes
// (internal/pool/overflow.go), so callable itself only needs to guard
// the "invoked at most once" rule.
type callable[R any] struct {
	fn       func() (R, error)
	consumed bool
}

// newCallable wraps fn for submission via Ops.Execute.
func newCallable[R any](fn func() (R, error)) *callable[R] {
	return &callable[R]{fn: fn}
}

// Call implements pool.Callable. It is invoked from a worker goroutine.
// A second call returns an error rather than re-running fn; the runtime
// never does this itself, but the guard matches the contract the type
// is meant to uphold.
func (c *callable[R]) Call() (any, error) {
	if c.consumed {
		return nil, NewError("worker.call", ErrCodeInvalid, "callable already consumed")
	}
	c.consumed = true
	val, err := c.fn()
	return callableResult[R]{value: val, err: err}, nil
}

// callableResult carries the user closure's own (value, error) pair
// back out of the worker. The outer error returned by Call is
// reserved for "the runtime misused this callable"; the closure's own
// error travels inside callableResult so Ops.Execute can hand back
// exactly what the closure produced.
type callableResult[R any] struct {
	value R
	err   error
}

var _ pool.Callable = (*callable[int])(nil)
