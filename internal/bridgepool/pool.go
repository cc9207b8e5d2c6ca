// Package bridgepool implements the fixed-size goroutine pool that backs
// callback.FromAsync: the only place Colossus runs user work off a
// Worker's thread. It never touches Worker/Connection/Callback state
// directly — callers post results back through a Worker's command inbox.
//
// Adapted from the teacher's internal/concurrency/executor.go local-
// queue-plus-global-fallback worker pool.
package bridgepool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/newsky/colossus/internal/queue"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("bridgepool: closed")

// Task is a unit of off-worker work.
type Task func()

// Pool dispatches Tasks across a fixed set of worker goroutines, each
// with its own lock-free local queue and a shared global overflow queue.
type Pool struct {
	global  chan Task
	workers []*poolWorker
	closed  atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
	next    atomic.Uint64
}

// New creates a Pool with n goroutines (defaults to GOMAXPROCS if n<=0).
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		global:  make(chan Task, n*4),
		workers: make([]*poolWorker, n),
		closeCh: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		w := &poolWorker{local: queue.New[Task](256), pool: p, wake: make(chan struct{}, 1)}
		p.workers[i] = w
		p.wg.Add(1)
		go w.run(&p.wg)
	}
	return p
}

// Submit enqueues task for asynchronous execution.
func (p *Pool) Submit(task Task) error {
	if p.closed.Load() {
		return ErrClosed
	}
	idx := int(p.next.Add(1)) % len(p.workers)
	if p.workers[idx].local.Enqueue(task) {
		select {
		case p.workers[idx].wake <- struct{}{}:
		default:
		}
		return nil
	}
	select {
	case p.global <- task:
		return nil
	case <-p.closeCh:
		return ErrClosed
	}
}

// Close signals every worker to stop and waits for them to exit. Tasks
// still queued when a worker sees the signal are not run.
func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.closeCh)
		p.wg.Wait()
	}
}

type poolWorker struct {
	local *queue.LockFree[Task]
	pool  *Pool
	wake  chan struct{} // signalled by Submit after a local enqueue
}

func (w *poolWorker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		if task, ok := w.local.Dequeue(); ok {
			w.safeRun(task)
			continue
		}
		select {
		case task := <-w.pool.global:
			w.safeRun(task)
		case <-w.wake:
		case <-w.pool.closeCh:
			return
		}
	}
}

func (w *poolWorker) safeRun(task Task) {
	defer func() { _ = recover() }()
	task()
}
