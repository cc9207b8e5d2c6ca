// Package initializer implements the per-worker handler factory
// described in spec.md's Data Model: one Initializer instance exists
// per (Worker, Server) pair, built once when a server binds to a
// worker, and constructs a fresh Handler for every connection that
// worker subsequently accepts.
package initializer

import (
	"github.com/newsky/colossus/api"
	"github.com/newsky/colossus/worker"
)

// Factory builds an Initializer bound to w. A Server holds one Factory
// and invokes it once per participating Worker at bind time.
type Factory[In, Out any] func(w *worker.Worker) *Initializer[In, Out]

// Initializer is a per-worker factory for per-connection Handlers. It
// holds the owning Worker and a user-supplied onConnect constructor;
// onConnect may close over worker-scoped resources (upstream client
// pools, caches) that must only ever be touched from this Worker.
type Initializer[In, Out any] struct {
	w         *worker.Worker
	onConnect func(w *worker.Worker) api.Handler[In, Out]
}

// New returns a Factory that lazily builds an Initializer wrapping
// onConnect for whichever Worker it is bound to.
func New[In, Out any](onConnect func(w *worker.Worker) api.Handler[In, Out]) Factory[In, Out] {
	return func(w *worker.Worker) *Initializer[In, Out] {
		return &Initializer[In, Out]{w: w, onConnect: onConnect}
	}
}

// NewHandler constructs a fresh Handler for one newly accepted
// connection, always called on the Initializer's owning Worker.
func (i *Initializer[In, Out]) NewHandler() api.Handler[In, Out] {
	return i.onConnect(i.w)
}

// Worker returns the Worker this Initializer is scoped to.
func (i *Initializer[In, Out]) Worker() *worker.Worker { return i.w }
