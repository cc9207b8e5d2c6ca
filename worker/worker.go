package worker

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/newsky/colossus/api"
	"github.com/newsky/colossus/internal/queue"
	"github.com/newsky/colossus/internal/timingwheel"
	"github.com/newsky/colossus/reactor"
)

// defaultInboxCapacity bounds the number of commands a Worker will
// accept before Submit starts reporting backpressure. Sized generously;
// producers (acceptors, the async bridge) are expected to retry rather
// than treat a full inbox as fatal.
const defaultInboxCapacity = 4096

// maxEventsPerPoll bounds how many readiness events a single Wait call
// drains, so one pathological turn cannot starve the inbox or the
// timing wheel indefinitely.
const maxEventsPerPoll = 256

// Worker is a single-threaded event loop: it owns a Reactor, a table of
// bound WorkerItems, a timing wheel, and a lock-free inbox other
// goroutines post Commands into. Every method on a bound Item's
// Context, and every call into Worker's own unexported fields, is only
// safe from the goroutine running Worker.Run.
type Worker struct {
	id      int
	reactor reactor.Reactor
	inbox   *queue.LockFree[Command]
	wheel   *timingwheel.Wheel

	items   map[uint64]api.WorkerItem
	fdToCtx map[uintptr]uint64
	nextID  *atomic.Uint64 // shared counter across all workers in an IOSystem

	fairStart int
	stopped   atomic.Bool

	shutdownDeadline time.Time
	shutdownDone     chan struct{}
	draining         bool

	readyCh chan struct{}
}

// New constructs a Worker. nextID is a counter shared across every
// Worker in the same IOSystem so context ids are globally unique;
// inboxCapacity<=0 selects defaultInboxCapacity.
func New(id int, rct reactor.Reactor, nextID *atomic.Uint64, inboxCapacity int) *Worker {
	if inboxCapacity <= 0 {
		inboxCapacity = defaultInboxCapacity
	}
	return &Worker{
		id:      id,
		reactor: rct,
		inbox:   queue.New[Command](inboxCapacity),
		wheel:   timingwheel.New(nil),
		items:   make(map[uint64]api.WorkerItem),
		fdToCtx: make(map[uintptr]uint64),
		nextID:  nextID,
		readyCh: make(chan struct{}),
	}
}

// Null constructs a Worker that rejects every Bind/Accept/Schedule
// command without ever running a turn loop, for IOSystem configurations
// that explicitly opt into zero real workers via Config.AllowZeroWorkers.
func Null() *Worker {
	w := &Worker{id: -1, readyCh: make(chan struct{})}
	close(w.readyCh)
	w.stopped.Store(true)
	return w
}

// ID returns the worker's index within its IOSystem.
func (w *Worker) ID() int { return w.id }

// Ready returns a channel closed once the worker's turn loop has
// started draining, satisfying the IOSystem's synchronous startup
// barrier (spec.md §4.3: workers must be fully live before Bind is
// accepted).
func (w *Worker) Ready() <-chan struct{} { return w.readyCh }

// Submit enqueues cmd for processing on the worker's own goroutine.
// Safe to call from any goroutine. Returns api.ErrBackpressure if the
// inbox is full.
// Submit's producers never block waiting on the worker: the turn loop's
// poll timeout (pollTimeout) is bounded, so a queued command is picked
// up within one short poll interval regardless of reactor activity.
func (w *Worker) Submit(cmd Command) error {
	if w.stopped.Load() {
		return api.ErrClosed
	}
	if !w.inbox.Enqueue(cmd) {
		return api.ErrBackpressure
	}
	return nil
}

// Bind posts a bind command constructing a new Item not tied to a
// socket (scheduled tasks, in-process clients).
func (w *Worker) Bind(factory Factory) error {
	return w.Submit(&bindCommand{factory: factory})
}

// Accept posts an accept command for a socket already accepted by a
// server acceptor and handed off to this worker.
func (w *Worker) Accept(factory Factory) error {
	return w.Submit(&acceptCommand{factory: factory})
}

// DeliverAsync posts the result of off-worker work back onto this
// worker's turn loop. deliver runs only if ctxID is still bound;
// otherwise it is silently dropped (spec.md's cancellation-by-closure).
func (w *Worker) DeliverAsync(ctxID uint64, deliver func()) error {
	return w.Submit(&asyncResultCommand{ctxID: ctxID, deliver: deliver})
}

// Schedule arms fn to run after delay elapses, from any goroutine.
func (w *Worker) Schedule(delay time.Duration, fn func()) error {
	return w.Submit(&scheduleCommand{delay: delay, fn: fn})
}

// Unbind requests removal of the item identified by ctxID. Safe to call
// from the owning item's own callback during dispatch: it is queued,
// not applied inline, so a turn never mutates w.items while iterating
// it.
func (w *Worker) Unbind(ctxID uint64) error {
	return w.Submit(&unbindCommand{ctxID: ctxID})
}

// Shutdown requests a graceful stop: Run returns once every bound item
// has been unbound or deadline elapses, whichever comes first.
func (w *Worker) Shutdown(deadline time.Duration) <-chan struct{} {
	done := make(chan struct{})
	_ = w.Submit(&shutdownCommand{deadline: deadline, done: done})
	return done
}

// Apocalypse forces every bound item to unbind immediately and stops
// the loop, bypassing any graceful-shutdown deadline.
func (w *Worker) Apocalypse() <-chan struct{} {
	done := make(chan struct{})
	_ = w.Submit(&apocalypseCommand{done: done})
	return done
}

// SetInterest changes the reactor readiness interest registered for the
// fd backing the item identified by ctxID. Only meaningful, and only
// safe, when called from this Worker's own goroutine — the items map
// and the Reactor are both thread-affine. Returns api.ErrNotFound if
// ctxID is unbound or its item is not FdAware.
func (w *Worker) SetInterest(ctxID uint64, interest reactor.Interest) error {
	item, ok := w.items[ctxID]
	if !ok {
		return api.ErrNotFound
	}
	fa, ok := item.(FdAware)
	if !ok {
		return api.ErrNotFound
	}
	return w.reactor.Modify(fa.Fd(), interest)
}

// ItemCount returns the number of WorkerItems currently bound. Only
// safe to call from this Worker's own goroutine; callers on another
// goroutine must route through Schedule to read it safely.
func (w *Worker) ItemCount() int { return len(w.items) }

// isAlive reports whether ctxID is currently bound. Called only from
// Context.Alive, on the owning worker's own goroutine (or, for the
// drop-silently async path, before dispatching a deliver closure — also
// on-worker).
func (w *Worker) isAlive(ctxID uint64) bool {
	_, ok := w.items[ctxID]
	return ok
}

// Run drives the worker's turn loop until Shutdown/Apocalypse completes
// it. It never returns until the loop has fully wound down, so callers
// typically invoke it as `go worker.Run()`.
func (w *Worker) Run() {
	slog.Info("worker starting", "worker", w.id)
	close(w.readyCh)
	events := make([]reactor.Event, maxEventsPerPoll)
	for {
		w.drainInbox()
		if w.stopped.Load() {
			return
		}
		if w.draining && len(w.items) == 0 {
			w.finishShutdown()
			return
		}
		if w.draining && !w.shutdownDeadline.IsZero() && w.wheel.Now().After(w.shutdownDeadline) {
			slog.Warn("worker shutdown deadline exceeded, forcing unbind", "worker", w.id, "items", len(w.items))
			w.forceUnbindAll()
			w.finishShutdown()
			return
		}

		timeout := w.pollTimeout()
		n, err := w.reactor.Wait(events, timeout)
		if err == nil {
			w.dispatchEvents(events[:n])
		}
		w.wheel.Advance()
	}
}

// pollTimeout bounds Reactor.Wait by the nearer of the next timer
// deadline or a short default, so the inbox and timing wheel are never
// starved by a quiet reactor.
func (w *Worker) pollTimeout() time.Duration {
	const defaultPoll = 10 * time.Millisecond
	deadline, ok := w.wheel.NextDeadline()
	if !ok {
		return defaultPoll
	}
	d := deadline.Sub(w.wheel.Now())
	if d <= 0 {
		return 0
	}
	if d > defaultPoll {
		return defaultPoll
	}
	return d
}

// drainInbox processes every command currently queued. It is
// fairness-bounded by nature: a single pass drains exactly what was
// visible at entry's Len, so a producer flooding the inbox mid-turn
// cannot starve reactor polling indefinitely.
func (w *Worker) drainInbox() {
	n := w.inbox.Len()
	for i := 0; i < n; i++ {
		cmd, ok := w.inbox.Dequeue()
		if !ok {
			return
		}
		cmd.apply(w)
		if w.stopped.Load() {
			return
		}
	}
}

func (w *Worker) doBind(factory Factory) {
	id := w.nextID.Add(1)
	ctx := &Context{id: id, w: w}
	item := factory(ctx)
	w.items[id] = item
	if fa, ok := item.(FdAware); ok {
		// Items register for read-readiness only; any item that also
		// needs write-readiness (a Connection with pending output, or
		// one waiting for a non-blocking connect to complete) requests
		// it explicitly via SetInterest once bound, from OnBind.
		fd := fa.Fd()
		if err := w.reactor.Register(fd, uintptr(id), reactor.InterestRead); err == nil {
			w.fdToCtx[fd] = id
		}
	}
	item.OnBind()
}

func (w *Worker) doUnbind(ctxID uint64) {
	item, ok := w.items[ctxID]
	if !ok {
		return
	}
	delete(w.items, ctxID)
	if fa, ok := item.(FdAware); ok {
		fd := fa.Fd()
		_ = w.reactor.Unregister(fd)
		delete(w.fdToCtx, fd)
	}
	item.OnUnbind()
}

func (w *Worker) dispatchEvents(evts []reactor.Event) {
	if len(evts) == 0 {
		return
	}
	// Fairness: start the dispatch scan from a rotating offset so that,
	// across many turns, no single fd's handler can monopolize CPU ahead
	// of its siblings when the batch is larger than one.
	start := w.fairStart % len(evts)
	w.fairStart++
	for i := 0; i < len(evts); i++ {
		e := evts[(start+i)%len(evts)]
		id := uint64(e.UserData)
		item, ok := w.items[id]
		if !ok {
			continue
		}
		if e.Readable {
			if r, ok := item.(Readable); ok {
				r.OnReadable()
			}
		}
		if !w.isAlive(id) {
			continue
		}
		if e.Writable {
			if wr, ok := item.(Writable); ok {
				wr.OnWritable()
			}
		}
	}
}

func (w *Worker) beginShutdown(deadline time.Duration, done chan struct{}) {
	w.draining = true
	w.shutdownDone = done
	if deadline > 0 {
		w.shutdownDeadline = w.wheel.Now().Add(deadline)
	}
	if len(w.items) == 0 {
		w.finishShutdown()
	}
}

func (w *Worker) forceUnbindAll() {
	for id := range w.items {
		w.doUnbind(id)
	}
}

func (w *Worker) finishShutdown() {
	w.stopped.Store(true)
	slog.Info("worker stopped", "worker", w.id)
	if w.shutdownDone != nil {
		close(w.shutdownDone)
	}
}
