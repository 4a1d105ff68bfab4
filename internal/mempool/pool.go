// Package mempool provides a small free-list for reusable objects.
//
// This package is internal and not part of the public API.
//
// A Pool keeps one item in a lock-free fast slot and spills the rest into a
// bounded channel. Items that do not fit are dropped and left to the garbage
// collector. Unlike sync.Pool, retained items survive GC cycles, which keeps
// hot serialization buffers warm across bursts of transactions.
package mempool

import "sync/atomic"

// DefaultCapacity is the overflow queue size used when NewPool is given a
// non-positive capacity.
const DefaultCapacity = 16

// Pool is a bounded free-list of *T.
// It is safe for concurrent use.
type Pool[T any] struct {
	fast     atomic.Pointer[T]
	overflow chan *T
	newFn    func() *T
	reset    func(*T)
}

// NewPool creates a pool that constructs items with newFn when empty.
// reset, if non-nil, is applied to every item handed back through Put.
func NewPool[T any](capacity int, newFn func() *T, reset func(*T)) *Pool[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool[T]{
		overflow: make(chan *T, capacity),
		newFn:    newFn,
		reset:    reset,
	}
}

// Get returns the fast-slot item if present, else a queued item, else a new one.
func (p *Pool[T]) Get() *T {
	if item := p.fast.Swap(nil); item != nil {
		return item
	}
	select {
	case item := <-p.overflow:
		return item
	default:
	}
	if p.newFn != nil {
		return p.newFn()
	}
	return new(T)
}

// Put returns an item to the pool. The fast slot is filled first, then the
// overflow queue; when both are full the item is dropped.
func (p *Pool[T]) Put(item *T) {
	if item == nil {
		return
	}
	if p.reset != nil {
		p.reset(item)
	}
	if p.fast.CompareAndSwap(nil, item) {
		return
	}
	select {
	case p.overflow <- item:
	default:
	}
}

// Len reports how many items are currently retained.
func (p *Pool[T]) Len() int {
	n := len(p.overflow)
	if p.fast.Load() != nil {
		n++
	}
	return n
}

// MaxRetainedBuffer is the largest buffer capacity BufferPool keeps.
// Larger buffers are dropped on Put so one oversized record does not pin memory.
const MaxRetainedBuffer = 1 << 20

// BufferPool recycles byte slices used as serialization scratch space.
type BufferPool struct {
	pool *Pool[[]byte]
	size int
}

// NewBufferPool creates a buffer pool whose fresh buffers have the given capacity.
func NewBufferPool(capacity, size int) *BufferPool {
	return &BufferPool{
		pool: NewPool(capacity, func() *[]byte {
			buf := make([]byte, 0, size)
			return &buf
		}, func(b *[]byte) { *b = (*b)[:0] }),
		size: size,
	}
}

// Get returns an empty buffer.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get()
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) > MaxRetainedBuffer {
		return
	}
	bp.pool.Put(buf)
}

// GlobalBuffers is the default pool for record scratch buffers.
var GlobalBuffers = NewBufferPool(DefaultCapacity, 256)
