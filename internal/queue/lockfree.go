// Package queue provides the bounded MPMC lock-free queue used as each
// Worker's command inbox, so the acceptor and async-bridge producers on
// other goroutines can hand off work without blocking or locking.
//
// This is a generalization of the teacher's Vyukov-style sequence-number
// ring (originally internal/concurrency/lock_free_queue.go in the
// retrieval pack) with no behavioral change to the algorithm itself.
package queue

import "sync/atomic"

const cacheLinePad = 64

type cell[T any] struct {
	sequence atomic.Uint64
	data     T
}

// LockFree is a bounded multi-producer/multi-consumer queue.
type LockFree[T any] struct {
	head uint64
	_    [cacheLinePad]byte
	tail uint64
	_    [cacheLinePad]byte
	mask uint64
	cells []cell[T]
}

// New creates a queue whose capacity is rounded up to the next power of two.
func New[T any](capacity int) *LockFree[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &LockFree[T]{
		mask:  uint64(size - 1),
		cells: make([]cell[T], size),
	}
	for i := range q.cells {
		q.cells[i].sequence.Store(uint64(i))
	}
	return q
}

// Enqueue adds val; returns false if the queue is full.
func (q *LockFree[T]) Enqueue(val T) bool {
	for {
		tail := atomic.LoadUint64(&q.tail)
		index := tail & q.mask
		c := &q.cells[index]
		seq := c.sequence.Load()
		dif := int64(seq) - int64(tail)

		switch {
		case dif == 0:
			if atomic.CompareAndSwapUint64(&q.tail, tail, tail+1) {
				c.data = val
				c.sequence.Store(tail + 1)
				return true
			}
		case dif < 0:
			return false
		default:
			// tail moved underneath us, retry
		}
	}
}

// Dequeue removes and returns an item; ok is false if the queue is empty.
func (q *LockFree[T]) Dequeue() (item T, ok bool) {
	for {
		head := atomic.LoadUint64(&q.head)
		index := head & q.mask
		c := &q.cells[index]
		seq := c.sequence.Load()
		dif := int64(seq) - int64(head+1)

		switch {
		case dif == 0:
			if atomic.CompareAndSwapUint64(&q.head, head, head+1) {
				item = c.data
				c.sequence.Store(head + q.mask + 1)
				return item, true
			}
		case dif < 0:
			var zero T
			return zero, false
		default:
			// head moved underneath us, retry
		}
	}
}

// Len reports the approximate number of queued items. Only safe to treat
// as exact when no concurrent producers/consumers are active.
func (q *LockFree[T]) Len() int {
	head := atomic.LoadUint64(&q.head)
	tail := atomic.LoadUint64(&q.tail)
	return int(tail - head)
}
