package iosystem

import (
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/newsky/colossus/api"
	"github.com/newsky/colossus/control"
	"github.com/newsky/colossus/internal/bridgepool"
	"github.com/newsky/colossus/pool"
	"github.com/newsky/colossus/reactor"
	"github.com/newsky/colossus/worker"
)

// probeTimeout bounds how long a debug probe that reads worker-owned
// state will wait for that worker's turn loop to service the request.
// A worker that misses this window reports "unavailable" rather than
// blocking Control.Stats indefinitely.
const probeTimeout = 50 * time.Millisecond

// ErrNumWorkers is returned by New when Config.NumWorkers is zero and
// Config.AllowZeroWorkers was not set.
var ErrNumWorkers = errors.New("iosystem: NumWorkers must be > 0 (or set AllowZeroWorkers)")

// IOSystem is the runtime root: a fixed vector of Workers sharing one
// context-id counter, one buffer pool.Manager, one bridgepool.Pool for
// async work, and one control.Store.
type IOSystem struct {
	cfg     *Config
	workers []*worker.Worker
	nextID  atomic.Uint64
	pool    *pool.Manager
	bridge  *bridgepool.Pool
	control *control.Store
}

// New constructs an IOSystem, spins up every Worker's turn loop, and
// blocks until all of them have passed their startup readiness barrier
// (spec.md §9's redesigned synchronous startup).
func New(cfg *Config) (*IOSystem, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.NumWorkers == 0 && !cfg.AllowZeroWorkers {
		return nil, ErrNumWorkers
	}
	if cfg.NumWorkers < 0 {
		return nil, ErrNumWorkers
	}

	sys := &IOSystem{
		cfg:     cfg,
		pool:    pool.NewManager(cfg.ReadBufferSize, cfg.WriteBufferSize),
		bridge:  bridgepool.New(cfg.AsyncPoolSize),
		control: control.New(),
	}

	if cfg.NumWorkers == 0 {
		sys.workers = []*worker.Worker{worker.Null()}
		sys.publishConfig()
		return sys, nil
	}

	sys.workers = make([]*worker.Worker, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		rct, err := reactor.New()
		if err != nil {
			sys.closeReactorsUpTo(i)
			return nil, err
		}
		sys.workers[i] = worker.New(i, rct, &sys.nextID, cfg.InboxCapacity)
	}
	for _, w := range sys.workers {
		go w.Run()
	}
	for _, w := range sys.workers {
		<-w.Ready()
	}

	sys.publishConfig()
	sys.control.RegisterDebugProbe("workers", func() any { return len(sys.workers) })
	for _, w := range sys.workers {
		w := w
		sys.control.RegisterDebugProbe("worker."+strconv.Itoa(w.ID())+".items", func() any {
			return workerItemCount(w)
		})
	}
	slog.Info("iosystem started", "workers", cfg.NumWorkers, "async_pool_size", cfg.AsyncPoolSize)
	return sys, nil
}

// workerItemCount reads w.ItemCount() by posting it through Schedule,
// the only safe way to observe worker-owned state from outside its own
// goroutine. Bounded by probeTimeout so a stalled worker cannot wedge a
// Control.Stats() call.
func workerItemCount(w *worker.Worker) any {
	ch := make(chan int, 1)
	if err := w.Schedule(0, func() { ch <- w.ItemCount() }); err != nil {
		return "unavailable"
	}
	select {
	case n := <-ch:
		return n
	case <-time.After(probeTimeout):
		return "unavailable"
	}
}

func (sys *IOSystem) closeReactorsUpTo(n int) {
	// Workers constructed before the failure own a Reactor but were never
	// started; nothing to unwind beyond letting them be garbage collected,
	// since Reactor.Close is only meaningful once registered fds exist.
	_ = n
}

func (sys *IOSystem) publishConfig() {
	_ = sys.control.SetConfig(map[string]any{
		"num_workers":      sys.cfg.NumWorkers,
		"read_buffer_size": sys.cfg.ReadBufferSize,
		"write_buffer_size": sys.cfg.WriteBufferSize,
		"pipeline_high":    sys.cfg.PipelineHigh,
		"pipeline_low":     sys.cfg.PipelineLow,
		"idle_timeout":     sys.cfg.IdleTimeout.String(),
		"shutdown_timeout": sys.cfg.ShutdownTimeout.String(),
	})
}

// NumWorkers returns the number of Workers this IOSystem owns (1 for a
// Config.AllowZeroWorkers deployment, since a worker.Null still occupies
// the vector's single slot).
func (sys *IOSystem) NumWorkers() int { return len(sys.workers) }

// Worker returns the Worker at index i modulo NumWorkers, so any
// non-negative i selects a Worker round-robin. A negative i panics.
func (sys *IOSystem) Worker(i int) *worker.Worker {
	return sys.workers[i%len(sys.workers)]
}

// Workers returns the full worker vector, for components (server
// acceptors) that round-robin dispatch themselves.
func (sys *IOSystem) Workers() []*worker.Worker {
	return sys.workers
}

// Control returns the shared configuration/metrics surface.
func (sys *IOSystem) Control() api.Control { return sys.control }

// Pool returns the shared read/write buffer pool manager.
func (sys *IOSystem) Pool() *pool.Manager { return sys.pool }

// Bridge returns the shared off-worker goroutine pool backing
// callback.FromAsync.
func (sys *IOSystem) Bridge() *bridgepool.Pool { return sys.bridge }

// Config returns the IOSystem's immutable configuration.
func (sys *IOSystem) Config() *Config { return sys.cfg }

// Shutdown gracefully stops every worker, waiting up to
// Config.ShutdownTimeout for bound items to unbind naturally before
// each worker force-unbinds whatever remains. Shutdown always returns
// once every worker has stopped; it never returns an error for timeout,
// since timeout is handled per-worker by forcing completion.
func (sys *IOSystem) Shutdown() {
	slog.Info("iosystem shutting down", "workers", len(sys.workers))
	deadline := sys.cfg.ShutdownTimeout
	dones := make([]<-chan struct{}, len(sys.workers))
	for i, w := range sys.workers {
		dones[i] = w.Shutdown(deadline)
	}
	for _, done := range dones {
		<-done
	}
	sys.bridge.Close()
	slog.Info("iosystem stopped")
}

// Apocalypse forces every worker to unbind all items immediately,
// bypassing graceful drain. Use when a controlled shutdown is not
// required (test teardown, fatal error recovery).
func (sys *IOSystem) Apocalypse() {
	slog.Warn("iosystem apocalypse: forcing unbind of all items", "workers", len(sys.workers))
	dones := make([]<-chan struct{}, len(sys.workers))
	for i, w := range sys.workers {
		dones[i] = w.Apocalypse()
	}
	for _, done := range dones {
		<-done
	}
	sys.bridge.Close()
}
