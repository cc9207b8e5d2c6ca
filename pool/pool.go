// Package pool implements size-classed byte pooling for per-connection
// read/write scratch buffers, plus a generic object pool, so the
// steady-state hot path allocates nothing.
//
// Adapted from the teacher's pool/bytepool.go and pool/objpool.go,
// trimmed of NUMA-node placement: nothing in this module's component
// design needs memory locality, only reuse.
package pool

import "sync"

// BytePool hands out []byte slices of a fixed size and recycles them.
type BytePool struct {
	size int
	pool sync.Pool
}

// NewBytePool creates a pool of buffers sized exactly size bytes.
func NewBytePool(size int) *BytePool {
	bp := &BytePool{size: size}
	bp.pool.New = func() any { return make([]byte, size) }
	return bp
}

// Get returns a buffer of the pool's configured size.
func (b *BytePool) Get() []byte {
	return b.pool.Get().([]byte)
}

// Put returns buf to the pool. buf must have been obtained from Get (or
// be of the same length); callers must not use buf afterwards.
func (b *BytePool) Put(buf []byte) {
	if len(buf) != b.size {
		return
	}
	b.pool.Put(buf) //nolint:staticcheck // slice header reuse is the point
}

// Object is a generic reusable-object pool.
type Object[T any] struct {
	pool sync.Pool
}

// NewObject creates a pool that manufactures new instances via create.
func NewObject[T any](create func() T) *Object[T] {
	o := &Object[T]{}
	o.pool.New = func() any { return create() }
	return o
}

// Get returns an available instance.
func (o *Object[T]) Get() T {
	return o.pool.Get().(T)
}

// Put returns obj for reuse.
func (o *Object[T]) Put(obj T) {
	o.pool.Put(obj)
}
