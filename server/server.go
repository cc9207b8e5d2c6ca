// Package server implements the acceptor described in spec.md §4.4: a
// WorkerItem bound to one dedicated Worker that accepts sockets off a
// listening fd and round-robins them, as connection.NewAcceptedFactory
// closures, across a server's participating Worker set.
package server

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/newsky/colossus/api"
	"github.com/newsky/colossus/connection"
	"github.com/newsky/colossus/initializer"
	"github.com/newsky/colossus/netio"
	"github.com/newsky/colossus/pool"
	"github.com/newsky/colossus/service"
	"github.com/newsky/colossus/worker"
)

// ErrInvalidTransition is returned when a ServerRef method is called out
// of sequence for its current State.
var ErrInvalidTransition = errors.New("server: invalid state transition")

// ErrNoWorkers is returned by Start when given an empty worker set.
var ErrNoWorkers = errors.New("server: at least one worker is required")

// maxAcceptsPerTurn bounds how many sockets a single OnReadable call
// drains from the listener, so a burst of pending connections cannot
// starve the accept worker's inbox or timing wheel within one turn.
const maxAcceptsPerTurn = 256

// State is the acceptor's explicit lifecycle.
type State int32

const (
	Initializing State = iota
	Bound
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Bound:
		return "bound"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds a ServerRef's tunables.
type Config struct {
	// Backlog is the listen socket's backlog size.
	Backlog int

	// Connection configures every accepted Connection (buffer sizes,
	// backpressure watermarks, idle timeout).
	Connection connection.Config

	// Service configures the per-connection Service's pipelining.
	Service service.ServerConfig
}

var (
	_ api.WorkerItem  = (*ServerRef[any, any])(nil)
	_ worker.FdAware  = (*ServerRef[any, any])(nil)
	_ worker.Readable = (*ServerRef[any, any])(nil)
)

// ServerRef owns one listening socket and drives Initializing→Bound→
// Running→Draining→Stopped. Listen opens the socket; Start binds the
// acceptor to its own Worker and builds one Initializer per participating
// Worker; Drain stops accepting and releases the socket, leaving
// already-accepted connections to run to completion on their own Workers.
type ServerRef[In, Out any] struct {
	addr        string
	cfg         Config
	codec       api.Codec[In, Out]
	initFactory initializer.Factory[In, Out]
	pm          *pool.Manager

	listener     netio.Listener
	acceptWorker *worker.Worker
	workers      []*worker.Worker
	inits        []*initializer.Initializer[In, Out]
	rrIndex      int

	ctx   api.Context
	state atomic.Int32
}

// New constructs a ServerRef in state Initializing. codec and
// initFactory are shared by every connection this server ever accepts;
// initFactory is invoked once per participating Worker at Start, not
// once per connection.
func New[In, Out any](addr string, codec api.Codec[In, Out], initFactory initializer.Factory[In, Out], pm *pool.Manager, cfg Config) *ServerRef[In, Out] {
	s := &ServerRef[In, Out]{addr: addr, cfg: cfg, codec: codec, initFactory: initFactory, pm: pm}
	s.state.Store(int32(Initializing))
	return s
}

// State reports the acceptor's current lifecycle stage.
func (s *ServerRef[In, Out]) State() State { return State(s.state.Load()) }

// Listen opens the listening socket, transitioning Initializing→Bound.
func (s *ServerRef[In, Out]) Listen() error {
	if s.State() != Initializing {
		return ErrInvalidTransition
	}
	l, err := netio.Listen(s.addr, s.cfg.Backlog)
	if err != nil {
		return err
	}
	s.listener = l
	s.state.Store(int32(Bound))
	return nil
}

// Start binds the acceptor itself to acceptWorker and builds one
// Initializer per entry in workers, transitioning Bound→Running.
// acceptWorker may also appear in workers; nothing requires the accept
// loop and the connections it dispatches to live on separate Workers.
func (s *ServerRef[In, Out]) Start(acceptWorker *worker.Worker, workers []*worker.Worker) error {
	if s.State() != Bound {
		return ErrInvalidTransition
	}
	if len(workers) == 0 {
		return ErrNoWorkers
	}
	s.acceptWorker = acceptWorker
	s.workers = workers
	s.inits = make([]*initializer.Initializer[In, Out], len(workers))
	for i, w := range workers {
		s.inits[i] = s.initFactory(w)
	}
	factory := func(ctx *worker.Context) api.WorkerItem {
		s.ctx = ctx
		return s
	}
	if err := acceptWorker.Bind(factory); err != nil {
		return err
	}
	s.state.Store(int32(Running))
	return nil
}

// Drain stops accepting new connections and closes the listening
// socket, transitioning Running→Draining→Stopped. It does not touch
// connections already dispatched to the participating Workers — those
// are independent WorkerItems that run to completion (or are drained by
// an IOSystem-level Shutdown) on their own schedule. Calling Drain
// outside Running closes the returned channel immediately without
// changing state.
func (s *ServerRef[In, Out]) Drain() <-chan struct{} {
	done := make(chan struct{})
	if s.State() != Running {
		close(done)
		return done
	}
	s.state.Store(int32(Draining))
	_ = s.acceptWorker.Unbind(s.ctx.ID())
	_ = s.acceptWorker.Schedule(0, func() {
		s.state.Store(int32(Stopped))
		close(done)
	})
	return done
}

// Context implements api.WorkerItem.
func (s *ServerRef[In, Out]) Context() api.Context { return s.ctx }

// Fd implements worker.FdAware.
func (s *ServerRef[In, Out]) Fd() uintptr { return s.listener.Fd() }

// OnBind implements api.WorkerItem.
func (s *ServerRef[In, Out]) OnBind() {}

// OnUnbind implements api.WorkerItem: releases the listening socket.
func (s *ServerRef[In, Out]) OnUnbind() {
	_ = s.listener.Close()
}

// OnReadable implements worker.Readable: drains pending sockets off the
// listener and round-robins each across the participating Worker set.
func (s *ServerRef[In, Out]) OnReadable() {
	for i := 0; i < maxAcceptsPerTurn; i++ {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, netio.ErrWouldBlock) {
				slog.Warn("accept failed", "addr", s.addr, "err", err)
			}
			return
		}
		target, init := s.nextWorker()
		factory := connection.NewAcceptedFactory(conn, s.cfg.Connection, s.pm, func(c *connection.Connection) connection.Handlers {
			handler := init.NewHandler()
			return service.New[In, Out](c, s.codec, handler, s.cfg.Service)
		})
		if err := target.Accept(factory); err != nil {
			slog.Warn("dispatching accepted connection to worker failed", "worker", target.ID(), "err", err)
			_ = conn.Close()
		}
	}
}

// nextWorker selects the next participating Worker and its matching
// Initializer by a rotating index, the same fairness technique Worker
// itself uses for readiness dispatch.
func (s *ServerRef[In, Out]) nextWorker() (*worker.Worker, *initializer.Initializer[In, Out]) {
	i := s.rrIndex % len(s.workers)
	s.rrIndex++
	return s.workers[i], s.inits[i]
}
