package db

import (
	"context"
	"sync"
	"time"
)

// txnQueue is the multi-producer, single-consumer transaction queue. The
// consumer takes everything queued at once on each wake-up.
type txnQueue struct {
	mu      sync.Mutex
	pending []Transaction
	closed  bool

	// wake has capacity one; a pending signal coalesces further ones.
	wake chan struct{}

	// slots bounds the number of queued transactions. Nil when unbounded.
	slots chan struct{}
}

func newTxnQueue(limit int) *txnQueue {
	q := &txnQueue{wake: make(chan struct{}, 1)}
	if limit > 0 {
		q.slots = make(chan struct{}, limit)
	}
	return q
}

// enqueue appends txn, blocking while a bounded queue is full.
func (q *txnQueue) enqueue(ctx context.Context, txn Transaction) error {
	if q.slots != nil {
		select {
		case q.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.release(1)
		return ErrClosed
	}
	txn.state().enqueued = time.Now()
	q.pending = append(q.pending, txn)
	q.mu.Unlock()

	q.signal()
	return nil
}

// signal wakes the consumer.
func (q *txnQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
		// Already signaled
	}
}

// drain moves every queued transaction into buf. It reports whether the
// queue is closed, in which case nothing more will arrive.
func (q *txnQueue) drain(buf []Transaction) ([]Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	buf = append(buf, q.pending...)
	clear(q.pending)
	q.pending = q.pending[:0]
	return buf, q.closed
}

// release frees n slots of a bounded queue.
func (q *txnQueue) release(n int) {
	if q.slots == nil {
		return
	}
	for range n {
		<-q.slots
	}
}

// close stops intake. Transactions already queued are still drained.
func (q *txnQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// isClosed reports whether close has been called.
func (q *txnQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
