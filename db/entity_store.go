package db

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/prefixdb/internal/radix"
)

// ScanOptions controls prefix scans.
type ScanOptions struct {
	// Sorted returns results in ascending key order.
	Sorted bool
	// IncludeDeleted includes tombstoned entities.
	IncludeDeleted bool
}

// entityStore is the radix index with optimistic concurrency validation and
// live/dead accounting. Reads may come from any goroutine; mutations come
// only from the writer goroutine.
type entityStore struct {
	mu    sync.RWMutex
	index *radix.Tree[Entity]

	// entities counts distinct keys in the index, tombstones included.
	entities atomic.Int64
	// dead counts overwritten values since the last rewrite started.
	dead atomic.Int64
}

func newEntityStore() *entityStore {
	return &entityStore{index: radix.New[Entity]()}
}

// get returns the live entity stored under key. Tombstones read as absent.
func (s *entityStore) get(key string) Entity {
	s.mu.RLock()
	e, ok := s.index.Get(key)
	s.mu.RUnlock()
	if !ok || e.Deleted() {
		return nil
	}
	return e
}

// getByPrefix returns the entities whose key starts with prefix.
func (s *entityStore) getByPrefix(prefix string, opts ScanOptions) []Entity {
	s.mu.RLock()
	out := s.index.GetByPrefix(prefix, opts.Sorted)
	s.mu.RUnlock()

	if opts.IncludeDeleted {
		return out
	}
	live := out[:0]
	for _, e := range out {
		if !e.Deleted() {
			live = append(live, e)
		}
	}
	clear(out[len(live):])
	return live
}

// staged is the pending state of a key inside one transaction.
type staged struct {
	version int64
	deleted bool
}

// validate checks every entity of txn against the index without changing
// anything. Later entities of the same transaction see the outcome of
// earlier ones. Writer goroutine only.
func (s *entityStore) validate(txn Transaction) *ConflictError {
	n := txn.Len()
	var pending map[string]staged
	if n > 1 {
		pending = make(map[string]staged, n)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range n {
		e := txn.At(i)
		key, submitted := e.Key(), e.Version()

		var cur staged
		var current Entity
		found := false
		if p, ok := pending[key]; ok {
			cur, found = p, true
		} else if stored, ok := s.index.Get(key); ok {
			cur = staged{version: stored.Version(), deleted: stored.Deleted()}
			current, found = stored, true
		}

		// A tombstone accepts only version 0, which resurrects the key.
		if found && ((cur.deleted && submitted != 0) || (!cur.deleted && cur.version > submitted)) {
			return &ConflictError{Key: key, Submitted: submitted, Actual: cur.version, Current: current}
		}
		if pending != nil {
			pending[key] = staged{version: submitted + 1, deleted: e.Deleted()}
		}
	}
	return nil
}

// processTransaction validates txn and, when every entity passes, bumps each
// version by one and applies them to the index. prepare runs after the
// version bump and before the index changes; an error from it restores the
// submitted versions and leaves the index untouched. Writer goroutine only.
func (s *entityStore) processTransaction(txn Transaction, prepare func() error) (*ConflictError, error) {
	if conflict := s.validate(txn); conflict != nil {
		return conflict, nil
	}

	n := txn.Len()
	for i := range n {
		e := txn.At(i)
		e.SetVersion(e.Version() + 1)
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			for i := range n {
				e := txn.At(i)
				e.SetVersion(e.Version() - 1)
			}
			return nil, err
		}
	}

	s.mu.Lock()
	s.applyLocked(txn)
	s.mu.Unlock()
	return nil, nil
}

// applyLocked writes every entity of txn into the index. Caller holds mu.
func (s *entityStore) applyLocked(txn Transaction) {
	for i := range txn.Len() {
		s.setLocked(txn.At(i))
	}
}

func (s *entityStore) setLocked(e Entity) {
	if s.index.Set(e.Key(), e) {
		s.entities.Add(1)
	} else {
		s.dead.Add(1)
	}
}

// loadChange applies a replayed record without validation. The later record
// wins, since a resurrected key restarts at version 1.
func (s *entityStore) loadChange(e Entity) {
	s.mu.Lock()
	s.setLocked(e)
	s.mu.Unlock()
}

// snapshot returns every indexed entity, tombstones included.
func (s *entityStore) snapshot() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0, s.index.Len())
	s.index.Scan("", func(_ string, e Entity) bool {
		out = append(out, e)
		return true
	})
	return out
}

// resetDead zeroes the dead counter when a rewrite starts.
func (s *entityStore) resetDead() {
	s.dead.Store(0)
}

// stats returns the live entity and dead entity counters.
func (s *entityStore) stats() (entities, dead int64) {
	return s.entities.Load(), s.dead.Load()
}
