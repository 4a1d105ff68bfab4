package db

import (
	"context"
	"io"
	"slices"
	"sync/atomic"
	"time"
)

// Policy selects how a transaction reports a concurrency conflict.
type Policy int

const (
	// PolicyStrict completes a conflicting transaction with a *ConflictError.
	PolicyStrict Policy = iota
	// PolicyLenient completes a conflicting transaction with Failed set and
	// no error.
	PolicyLenient
)

// Transaction is a unit of work applied all-or-nothing by the writer.
//
// Transactions are created with NewTransaction or Barrier and completed
// exactly once by the writer goroutine.
type Transaction interface {
	// Len returns the number of entities.
	Len() int
	// At returns the i-th entity.
	At(i int) Entity
	// Policy returns the conflict reporting policy.
	Policy() Policy
	// Done is closed once the transaction has been applied or rejected.
	Done() <-chan struct{}
	// Wait blocks until Done or ctx ends and returns Err.
	Wait(ctx context.Context) error
	// Failed reports whether the transaction was rejected by validation.
	Failed() bool
	// Conflict returns the first validation failure, if any.
	Conflict() *ConflictError
	// Err returns the completion error. A conflict under PolicyLenient is
	// not an error.
	Err() error

	state() *txnState
}

// txnState is the completion state shared by every transaction variant.
type txnState struct {
	policy   Policy
	done     chan struct{}
	conflict *ConflictError
	err      error
	enqueued time.Time
	// submitted is set by the first accepted Submit.
	submitted atomic.Bool
}

func newTxnState(policy Policy) txnState {
	return txnState{policy: policy, done: make(chan struct{})}
}

func (s *txnState) state() *txnState { return s }

func (s *txnState) Policy() Policy { return s.policy }

func (s *txnState) Done() <-chan struct{} { return s.done }

func (s *txnState) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *txnState) Failed() bool {
	select {
	case <-s.done:
		return s.conflict != nil
	default:
		return false
	}
}

func (s *txnState) Conflict() *ConflictError {
	select {
	case <-s.done:
		return s.conflict
	default:
		return nil
	}
}

func (s *txnState) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	if s.err != nil {
		return s.err
	}
	if s.conflict != nil && s.policy == PolicyStrict {
		return s.conflict
	}
	return nil
}

// complete records the outcome and releases waiters. Called once, by the
// writer goroutine.
func (s *txnState) complete(conflict *ConflictError, err error) {
	s.conflict = conflict
	s.err = err
	close(s.done)
}

// singleTxn carries one entity.
type singleTxn struct {
	txnState
	entity Entity
}

func (t *singleTxn) Len() int        { return 1 }
func (t *singleTxn) At(i int) Entity { return t.entity }

// batchTxn carries several entities applied atomically.
type batchTxn struct {
	txnState
	entities []Entity
}

func (t *batchTxn) Len() int        { return len(t.entities) }
func (t *batchTxn) At(i int) Entity { return t.entities[i] }

// barrierTxn carries nothing. It completes once every transaction enqueued
// before it has been processed and flushed.
type barrierTxn struct {
	txnState
}

func (t *barrierTxn) Len() int        { return 0 }
func (t *barrierTxn) At(i int) Entity { panic("db: barrier transaction has no entities") }

// rewriteTxn asks the writer to start a log rewrite. With dst set the
// rewrite is a backup streamed to dst and the live log is left in place.
type rewriteTxn struct {
	txnState
	dst io.Writer
}

func (t *rewriteTxn) Len() int        { return 0 }
func (t *rewriteTxn) At(i int) Entity { panic("db: rewrite transaction has no entities") }

func (t *rewriteTxn) backup() bool { return t.dst != nil }

// NewTransaction builds a transaction over entities. A single entity yields
// a single-entity transaction; none yields a barrier.
func NewTransaction(policy Policy, entities ...Entity) Transaction {
	switch len(entities) {
	case 0:
		return &barrierTxn{txnState: newTxnState(policy)}
	case 1:
		return &singleTxn{txnState: newTxnState(policy), entity: entities[0]}
	default:
		return &batchTxn{txnState: newTxnState(policy), entities: slices.Clone(entities)}
	}
}
