// Package callback implements Callback[T], the worker-thread-affine
// deferred value described in spec.md §4.2. A Callback is created by,
// and only ever completed and chained on, a single goroutine — the
// worker's event loop goroutine. It is deliberately less capable than a
// general-purpose future: it is not safe to complete from any other
// goroutine, by design, since that would defeat the lock-free
// per-worker invariant the rest of the runtime depends on.
//
// Off-worker work must go through FromAsync, whose handle is the only
// sanctioned bridge back onto the owning worker.
package callback

import "sync"

// Result is a value-or-error pair, the terminal shape every Callback
// resolves to.
type Result[T any] struct {
	Value T
	Err   error
}

type state int

const (
	statePending state = iota
	stateDone
)

// Callback is a one-shot, worker-affine deferred value.
type Callback[T any] struct {
	mu sync.Mutex

	ownerWorker int // debug-only: id of the worker that created this callback
	st          state
	result      Result[T]
	alive       func() bool // reports whether the owning connection/item is still bound
	cancelled   bool        // completion was dropped because alive reported false
	continuations []func(Result[T])
}

// newPending constructs an unresolved Callback.
func newPending[T any](ownerWorker int, alive func() bool) *Callback[T] {
	return &Callback[T]{ownerWorker: ownerWorker, alive: alive}
}

// Successful returns a Callback already resolved to v.
func Successful[T any](ownerWorker int, v T) *Callback[T] {
	c := newPending[T](ownerWorker, nil)
	c.complete(Result[T]{Value: v})
	return c
}

// Failed returns a Callback already resolved to err.
func Failed[T any](ownerWorker int, err error) *Callback[T] {
	c := newPending[T](ownerWorker, nil)
	c.complete(Result[T]{Err: err})
	return c
}

// NewPending returns an unresolved Callback owned by ownerWorker. alive,
// if non-nil, is consulted at completion time; when it reports false the
// resolution is dropped silently (the owning connection has closed).
// complete must only ever be called from ownerWorker's own goroutine.
func NewPending[T any](ownerWorker int, alive func() bool) (*Callback[T], func(Result[T])) {
	c := newPending[T](ownerWorker, alive)
	return c, c.complete
}

// OwnerWorker returns the id of the worker that created this callback.
func (c *Callback[T]) OwnerWorker() int { return c.ownerWorker }

func (c *Callback[T]) complete(r Result[T]) {
	c.mu.Lock()
	if c.st == stateDone {
		c.mu.Unlock()
		panic("colossus: callback completed twice")
	}
	if c.alive != nil && !c.alive() {
		// Owning connection closed before completion: cancellation by
		// closure. The resolution has zero observable effect.
		c.st = stateDone
		c.cancelled = true
		c.mu.Unlock()
		return
	}
	c.result = r
	c.st = stateDone
	conts := c.continuations
	c.continuations = nil
	c.mu.Unlock()

	for _, k := range conts {
		k(r)
	}
}

// Execute registers the terminal handler. It runs inline if the
// callback is already resolved, or is queued to run inline, in
// registration order, at completion time. Execute always invokes k
// exactly once, unless the callback was silently cancelled by its
// owning connection's closure.
func (c *Callback[T]) Execute(k func(T, error)) {
	c.onResult(func(r Result[T]) { k(r.Value, r.Err) })
}

func (c *Callback[T]) onResult(k func(Result[T])) {
	c.mu.Lock()
	if c.st == stateDone {
		if c.cancelled {
			c.mu.Unlock()
			return
		}
		r := c.result
		c.mu.Unlock()
		k(r)
		return
	}
	c.continuations = append(c.continuations, k)
	c.mu.Unlock()
}

// Map transforms a successful result; errors pass through untouched.
func Map[T, U any](c *Callback[T], f func(T) U) *Callback[U] {
	out, resolve := NewPending[U](c.ownerWorker, c.alive)
	c.onResult(func(r Result[T]) {
		if r.Err != nil {
			resolve(Result[U]{Err: r.Err})
			return
		}
		resolve(Result[U]{Value: f(r.Value)})
	})
	return out
}

// FlatMap chains a dependent Callback-producing computation. The inner
// callback inherits this callback's owning worker.
func FlatMap[T, U any](c *Callback[T], f func(T) *Callback[U]) *Callback[U] {
	out, resolve := NewPending[U](c.ownerWorker, c.alive)
	c.onResult(func(r Result[T]) {
		if r.Err != nil {
			resolve(Result[U]{Err: r.Err})
			return
		}
		inner := f(r.Value)
		inner.onResult(resolve)
	})
	return out
}

// Recover salvages a failed callback by producing a replacement value.
func (c *Callback[T]) Recover(f func(error) T) *Callback[T] {
	out, resolve := NewPending[T](c.ownerWorker, c.alive)
	c.onResult(func(r Result[T]) {
		if r.Err == nil {
			resolve(r)
			return
		}
		resolve(Result[T]{Value: f(r.Err)})
	})
	return out
}

// MapErr transforms a failed callback's error, leaving success untouched.
func (c *Callback[T]) MapErr(f func(error) error) *Callback[T] {
	out, resolve := NewPending[T](c.ownerWorker, c.alive)
	c.onResult(func(r Result[T]) {
		if r.Err == nil {
			resolve(r)
			return
		}
		resolve(Result[T]{Err: f(r.Err)})
	})
	return out
}
