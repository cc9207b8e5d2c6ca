package callback

import "github.com/newsky/colossus/internal/bridgepool"

// AsyncFunc is user work to run off the owning worker's thread.
type AsyncFunc[T any] func() (T, error)

// FromAsync submits fn to pool and returns a Callback that resolves once
// fn completes. The external computation never touches framework state:
// its result is handed to schedule, which the owning worker supplies as
// a thread-safe way to run a closure on its own goroutine during its
// next turn (typically by enqueueing a worker command). If the owning
// item is no longer alive by the time schedule's closure runs, the
// resolution is a documented no-op (see Callback.complete).
func FromAsync[T any](ownerWorker int, alive func() bool, pool *bridgepool.Pool, schedule func(func()), fn AsyncFunc[T]) *Callback[T] {
	c, resolve := NewPending[T](ownerWorker, alive)

	submitErr := pool.Submit(func() {
		v, err := fn()
		schedule(func() { resolve(Result[T]{Value: v, Err: err}) })
	})
	if submitErr != nil {
		resolve(Result[T]{Err: submitErr})
	}
	return c
}
