package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTxnQueue_DrainTakesEverything(t *testing.T) {
	q := newTxnQueue(0)
	ctx := context.Background()

	for i := range 5 {
		if err := q.enqueue(ctx, NewTransaction(PolicyStrict, newDoc(string(rune('a'+i)), 0, ""))); err != nil {
			t.Fatalf("enqueue() error = %v", err)
		}
	}

	select {
	case <-q.wake:
	default:
		t.Fatal("enqueue did not signal the consumer")
	}

	batch, closed := q.drain(nil)
	if len(batch) != 5 || closed {
		t.Fatalf("drain() = %d transactions, closed=%v", len(batch), closed)
	}
	for i, txn := range batch {
		if got := txn.At(0).Key(); got != string(rune('a'+i)) {
			t.Errorf("batch[%d] = %q, queue order lost", i, got)
		}
	}

	batch, _ = q.drain(batch[:0])
	if len(batch) != 0 {
		t.Errorf("second drain returned %d transactions", len(batch))
	}
}

func TestTxnQueue_Close(t *testing.T) {
	q := newTxnQueue(0)
	ctx := context.Background()
	if err := q.enqueue(ctx, NewTransaction(PolicyStrict)); err != nil {
		t.Fatalf("enqueue() error = %v", err)
	}
	q.close()

	if err := q.enqueue(ctx, NewTransaction(PolicyStrict)); !errors.Is(err, ErrClosed) {
		t.Errorf("enqueue after close error = %v, want ErrClosed", err)
	}

	batch, closed := q.drain(nil)
	if len(batch) != 1 || !closed {
		t.Errorf("drain() = %d, closed=%v; queued work must survive close", len(batch), closed)
	}
}

func TestTxnQueue_Bounded(t *testing.T) {
	q := newTxnQueue(2)
	ctx := context.Background()

	for range 2 {
		if err := q.enqueue(ctx, NewTransaction(PolicyStrict)); err != nil {
			t.Fatalf("enqueue() error = %v", err)
		}
	}

	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.enqueue(full, NewTransaction(PolicyStrict)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("enqueue into full queue error = %v, want DeadlineExceeded", err)
	}

	// Draining alone does not free slots; completing does.
	batch, _ := q.drain(nil)
	done := make(chan error, 1)
	go func() { done <- q.enqueue(ctx, NewTransaction(PolicyStrict)) }()

	select {
	case err := <-done:
		t.Fatalf("enqueue returned %v before a slot was released", err)
	case <-time.After(20 * time.Millisecond):
	}

	q.release(len(batch))
	if err := <-done; err != nil {
		t.Errorf("enqueue after release error = %v", err)
	}
}
