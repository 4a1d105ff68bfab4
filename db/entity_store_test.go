package db

import (
	"errors"
	"testing"
)

func processTxn(t *testing.T, s *entityStore, entities ...Entity) *ConflictError {
	t.Helper()
	conflict, err := s.processTransaction(NewTransaction(PolicyStrict, entities...), nil)
	if err != nil {
		t.Fatalf("processTransaction() error = %v", err)
	}
	return conflict
}

func TestEntityStore_VersionIncrements(t *testing.T) {
	s := newEntityStore()

	d := newDoc("k", 0, "a")
	if c := processTxn(t, s, d); c != nil {
		t.Fatalf("first save conflict: %v", c)
	}
	if d.Version() != 1 {
		t.Errorf("version after first save = %d, want 1", d.Version())
	}

	d2 := newDoc("k", 1, "b")
	if c := processTxn(t, s, d2); c != nil {
		t.Fatalf("second save conflict: %v", c)
	}
	if got := s.get("k").Version(); got != 2 {
		t.Errorf("stored version = %d, want 2", got)
	}

	// A version ahead of the stored one is accepted.
	d3 := newDoc("k", 7, "c")
	if c := processTxn(t, s, d3); c != nil {
		t.Fatalf("save ahead conflict: %v", c)
	}
	if d3.Version() != 8 {
		t.Errorf("version = %d, want 8", d3.Version())
	}
}

func TestEntityStore_StaleVersionRejected(t *testing.T) {
	s := newEntityStore()
	processTxn(t, s, newDoc("k", 0, "a"))

	stale := newDoc("k", 0, "b")
	c := processTxn(t, s, stale)
	if c == nil {
		t.Fatal("stale save accepted")
	}
	if !errors.Is(c, ErrConflict) {
		t.Errorf("conflict does not match ErrConflict")
	}
	if c.Key != "k" || c.Submitted != 0 || c.Actual != 1 {
		t.Errorf("conflict = %+v", c)
	}
	if c.Current.(*doc).Body != "a" {
		t.Errorf("conflict current body = %q, want a", c.Current.(*doc).Body)
	}
	if stale.Version() != 0 {
		t.Errorf("rejected entity version changed to %d", stale.Version())
	}

	got := s.get("k").(*doc)
	if got.Version() != 1 || got.Body != "a" {
		t.Errorf("stored = (%d, %q), want (1, a)", got.Version(), got.Body)
	}
}

func TestEntityStore_Tombstones(t *testing.T) {
	s := newEntityStore()
	processTxn(t, s, newDoc("k", 0, "a"))
	if c := processTxn(t, s, tombstone("k", 1)); c != nil {
		t.Fatalf("delete conflict: %v", c)
	}

	if s.get("k") != nil {
		t.Error("get returned a tombstone")
	}

	// Updating a tombstone with a non-zero version fails.
	if c := processTxn(t, s, newDoc("k", 2, "b")); c == nil {
		t.Fatal("update of tombstone with version 2 accepted")
	}

	// Version 0 resurrects.
	r := newDoc("k", 0, "c")
	if c := processTxn(t, s, r); c != nil {
		t.Fatalf("resurrection conflict: %v", c)
	}
	if r.Version() != 1 {
		t.Errorf("resurrected version = %d, want 1", r.Version())
	}
	if got := s.get("k").(*doc); got.Body != "c" {
		t.Errorf("body = %q, want c", got.Body)
	}
}

func TestEntityStore_BatchAllOrNothing(t *testing.T) {
	s := newEntityStore()
	if c := processTxn(t, s, newDoc("1", 0, ""), newDoc("2", 0, "")); c != nil {
		t.Fatalf("first batch conflict: %v", c)
	}

	three := newDoc("3", 0, "")
	if c := processTxn(t, s, newDoc("1", 0, "stale"), three); c == nil {
		t.Fatal("batch with stale entity accepted")
	}
	if s.get("3") != nil {
		t.Error(`"3" applied from a rejected batch`)
	}
	if three.Version() != 0 {
		t.Errorf(`"3" version = %d, want 0`, three.Version())
	}
	if entities, dead := s.stats(); entities != 2 || dead != 0 {
		t.Errorf("stats = (%d, %d), want (2, 0)", entities, dead)
	}
}

func TestEntityStore_BatchSeesEarlierEntities(t *testing.T) {
	s := newEntityStore()

	// The second write to the same key must build on the first.
	if c := processTxn(t, s, newDoc("k", 0, "a"), newDoc("k", 0, "b")); c == nil {
		t.Fatal("duplicate stale write in one batch accepted")
	}
	if c := processTxn(t, s, newDoc("k", 0, "a"), newDoc("k", 1, "b")); c != nil {
		t.Fatalf("chained batch conflict: %v", c)
	}
	if got := s.get("k").(*doc); got.Version() != 2 || got.Body != "b" {
		t.Errorf("stored = (%d, %q), want (2, b)", got.Version(), got.Body)
	}
}

func TestEntityStore_PrepareErrorRollsBack(t *testing.T) {
	s := newEntityStore()
	d := newDoc("k", 0, "a")
	boom := errors.New("boom")

	conflict, err := s.processTransaction(NewTransaction(PolicyStrict, d), func() error {
		if d.Version() != 1 {
			t.Errorf("version during prepare = %d, want 1", d.Version())
		}
		return boom
	})
	if conflict != nil || !errors.Is(err, boom) {
		t.Fatalf("processTransaction() = %v, %v", conflict, err)
	}
	if d.Version() != 0 {
		t.Errorf("version after rollback = %d, want 0", d.Version())
	}
	if s.get("k") != nil {
		t.Error("index changed after prepare failure")
	}
}

func TestEntityStore_Counters(t *testing.T) {
	s := newEntityStore()
	processTxn(t, s, newDoc("a", 0, ""), newDoc("b", 0, ""))
	processTxn(t, s, newDoc("a", 1, ""))
	processTxn(t, s, tombstone("b", 1))
	processTxn(t, s, newDoc("b", 0, ""))

	entities, dead := s.stats()
	if entities != 2 || dead != 3 {
		t.Errorf("stats = (%d, %d), want (2, 3)", entities, dead)
	}

	s.resetDead()
	if _, dead := s.stats(); dead != 0 {
		t.Errorf("dead after reset = %d", dead)
	}
}

func TestEntityStore_GetByPrefixTombstones(t *testing.T) {
	s := newEntityStore()
	processTxn(t, s, newDoc("user/1", 0, ""), newDoc("user/2", 0, ""), newDoc("item/1", 0, ""))
	processTxn(t, s, tombstone("user/2", 1))

	live := s.getByPrefix("user/", ScanOptions{Sorted: true})
	if len(live) != 1 || live[0].Key() != "user/1" {
		t.Errorf("live scan = %v", keysOf(live))
	}

	all := s.getByPrefix("user/", ScanOptions{Sorted: true, IncludeDeleted: true})
	if len(all) != 2 || all[1].Key() != "user/2" || !all[1].Deleted() {
		t.Errorf("scan with tombstones = %v", keysOf(all))
	}
}

func TestEntityStore_LoadChangeLaterWins(t *testing.T) {
	s := newEntityStore()
	s.loadChange(newDoc("k", 3, "old"))
	s.loadChange(tombstone("k", 4))
	s.loadChange(newDoc("k", 1, "resurrected"))

	got := s.get("k").(*doc)
	if got.Body != "resurrected" || got.Version() != 1 {
		t.Errorf("stored = (%d, %q)", got.Version(), got.Body)
	}
	if entities, dead := s.stats(); entities != 1 || dead != 2 {
		t.Errorf("stats = (%d, %d), want (1, 2)", entities, dead)
	}
}

func keysOf(entities []Entity) []string {
	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = e.Key()
	}
	return keys
}
