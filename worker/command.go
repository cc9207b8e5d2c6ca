package worker

import (
	"time"

	"github.com/newsky/colossus/api"
)

// Command is the closed set of messages a Worker accepts through its
// inbox, drained FIFO once per turn (spec.md §4.3).
type Command interface {
	apply(w *Worker)
}

// Factory constructs a WorkerItem once its Context has been allocated.
type Factory func(ctx *Context) api.WorkerItem

// Item is the concrete WorkerItem contract a Worker binds. Items that
// additionally own a raw fd implement FdAware; items that react to
// readiness implement Readable and/or Writable.
type Item = api.WorkerItem

// FdAware is implemented by Items that own a socket the Worker must
// register with its reactor.
type FdAware interface {
	Fd() uintptr
}

// Readable is implemented by Items that react to read-readiness.
type Readable interface {
	OnReadable()
}

// Writable is implemented by Items that react to write-readiness.
type Writable interface {
	OnWritable()
}

// bindCommand implements Bind: allocate a context, construct the item,
// register it (and its fd, if any), and invoke OnBind.
type bindCommand struct {
	factory Factory
}

func (c *bindCommand) apply(w *Worker) {
	w.doBind(c.factory)
}

// acceptCommand implements NewConnection: a socket accepted by the
// server's acceptor is handed to this worker for binding.
type acceptCommand struct {
	factory Factory
}

func (c *acceptCommand) apply(w *Worker) {
	w.doBind(c.factory)
}

// asyncResultCommand implements the async-bridge delivery described in
// spec.md §4.2/§4.3: deliver only if ctxID is still bound, else drop.
type asyncResultCommand struct {
	ctxID  uint64
	deliver func()
}

func (c *asyncResultCommand) apply(w *Worker) {
	if !w.isAlive(c.ctxID) {
		return
	}
	c.deliver()
}

// scheduleCommand implements Schedule: arm a timer on the worker's
// timing wheel.
type scheduleCommand struct {
	delay time.Duration
	fn    func()
}

func (c *scheduleCommand) apply(w *Worker) {
	w.wheel.Schedule(c.delay, c.fn)
}

// unbindCommand removes an item from the table and invokes OnUnbind.
// Issued by the worker's own items when they close themselves; routed
// through the inbox so unbind always happens at a well-defined point in
// the turn even when requested reentrantly from within a dispatch.
type unbindCommand struct {
	ctxID uint64
}

func (c *unbindCommand) apply(w *Worker) {
	w.doUnbind(c.ctxID)
}

// shutdownCommand implements graceful Shutdown: stop accepting new
// binds is the caller's responsibility (via ServerRef state); existing
// items are allowed to finish naturally and the loop exits once the
// item table is empty or the deadline elapses.
type shutdownCommand struct {
	deadline time.Duration
	done     chan struct{}
}

func (c *shutdownCommand) apply(w *Worker) {
	w.beginShutdown(c.deadline, c.done)
}

// apocalypseCommand implements immediate Apocalypse: every bound item
// is unbound right now, regardless of in-flight work.
type apocalypseCommand struct {
	done chan struct{}
}

func (c *apocalypseCommand) apply(w *Worker) {
	for id := range w.items {
		w.doUnbind(id)
	}
	w.stopped.Store(true)
	if c.done != nil {
		close(c.done)
	}
}
