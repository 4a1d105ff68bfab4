package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/prefixdb/db"
	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/record"
)

type weights struct {
	put, get, del, batch, conflict, scan int
}

func (w weights) total() int {
	return w.put + w.get + w.del + w.batch + w.conflict + w.scan
}

type config struct {
	dir          string
	duration     time.Duration
	numKeys      int
	valueSize    int
	threads      int
	reopenPeriod time.Duration
	compactEvery int
	compression  compression.Type
	durability   db.Durability
	maxPending   int
	seed         int64
	verbose      bool
	weights      weights
}

func parseDurability(s string) (db.Durability, error) {
	return db.ParseDurability(s)
}

// doc is the document type written by the stress test.
type doc struct {
	db.Base
	Body string `json:"body"`
}

// expectedValue is the oracle's view of one key. Guarded by its mutex.
type expectedValue struct {
	mu      sync.Mutex
	exists  bool
	deleted bool
	version int64
	body    string
}

// nextVersion is the version a write must carry to replace the stored value.
func (e *expectedValue) nextVersion() int64 {
	if !e.exists || e.deleted {
		return 0
	}
	return e.version
}

type stressStats struct {
	puts, gets, deletes, batches, conflicts, scans atomic.Int64
	reopens, rewrites                              atomic.Int64
	elapsed                                        time.Duration
}

func (s *stressStats) print() {
	ops := s.puts.Load() + s.gets.Load() + s.deletes.Load() + s.batches.Load() + s.conflicts.Load() + s.scans.Load()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("Operations: %d in %v (%.0f ops/s)\n", ops, s.elapsed.Round(time.Millisecond), float64(ops)/max(s.elapsed.Seconds(), 1e-9))
	fmt.Printf("  saves: %d, gets: %d, deletes: %d, batches: %d, stale saves: %d, scans: %d\n",
		s.puts.Load(), s.gets.Load(), s.deletes.Load(), s.batches.Load(), s.conflicts.Load(), s.scans.Load())
	fmt.Printf("  reopens: %d, rewrites: %d\n", s.reopens.Load(), s.rewrites.Load())
}

type stressTest struct {
	cfg      config
	path     string
	expected []expectedValue

	// storeMu is held shared by operations and exclusively by reopen.
	storeMu sync.RWMutex
	store   *db.DB

	ops   atomic.Int64
	stats stressStats

	failOnce sync.Once
	failErr  error
	stop     chan struct{}
}

func newStressTest(cfg config) (*stressTest, error) {
	if cfg.numKeys < 4 {
		return nil, errors.New("need at least 4 keys")
	}
	if cfg.weights.total() <= 0 {
		return nil, errors.New("operation weights sum to zero")
	}
	st := &stressTest{
		cfg:      cfg,
		path:     filepath.Join(cfg.dir, "stress.log"),
		expected: make([]expectedValue, cfg.numKeys),
		stop:     make(chan struct{}),
	}
	store, err := st.open()
	if err != nil {
		return nil, err
	}
	st.store = store
	return st, nil
}

func (st *stressTest) open() (*db.DB, error) {
	types := record.NewRegistry()
	if err := types.Register("doc", (*doc)(nil), nil); err != nil {
		return nil, err
	}
	opts := db.DefaultOptions()
	opts.Types = types
	opts.RewriteCompression = st.cfg.compression
	opts.Durability = st.cfg.durability
	opts.MaxPendingTransactions = st.cfg.maxPending
	opts.Logger = logging.Discard
	if st.cfg.verbose {
		opts.Logger = logging.NewDefaultLogger(logging.LevelInfo)
	}
	return db.Open(st.path, opts)
}

func keyName(i int) string {
	return fmt.Sprintf("k/%06d", i)
}

// fail records the first failure and stops the run.
func (st *stressTest) fail(format string, args ...any) {
	st.failOnce.Do(func() {
		st.failErr = fmt.Errorf(format, args...)
		close(st.stop)
	})
}

func (st *stressTest) stopped() bool {
	select {
	case <-st.stop:
		return true
	default:
		return false
	}
}

// run drives the workers until the duration ends or a check fails, then
// verifies the store against the oracle after a final reopen.
func (st *stressTest) run() (*stressStats, error) {
	start := time.Now()
	deadline := time.After(st.cfg.duration)

	var wg sync.WaitGroup
	for t := range st.cfg.threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.worker(rand.New(rand.NewSource(st.cfg.seed + int64(t))))
		}()
	}

	var reopenTick <-chan time.Time
	if st.cfg.reopenPeriod > 0 {
		ticker := time.NewTicker(st.cfg.reopenPeriod)
		defer ticker.Stop()
		reopenTick = ticker.C
	}

loop:
	for {
		select {
		case <-deadline:
			st.failOnce.Do(func() { close(st.stop) })
			break loop
		case <-st.stop:
			break loop
		case <-reopenTick:
			if err := st.reopen(); err != nil {
				st.fail("reopen: %v", err)
			}
		}
	}
	wg.Wait()

	if st.failErr == nil {
		if err := st.reopen(); err != nil {
			st.failErr = fmt.Errorf("final reopen: %w", err)
		}
	}
	if err := st.store.Close(); err != nil && st.failErr == nil {
		st.failErr = fmt.Errorf("close: %w", err)
	}
	st.stats.elapsed = time.Since(start)
	return &st.stats, st.failErr
}

// reopen closes the store, opens it again and verifies every key.
func (st *stressTest) reopen() error {
	st.storeMu.Lock()
	defer st.storeMu.Unlock()

	if err := st.store.Close(); err != nil {
		return err
	}
	store, err := st.open()
	if err != nil {
		return err
	}
	st.store = store
	st.stats.reopens.Add(1)

	live := 0
	for i := range st.expected {
		if err := st.verifyKey(i); err != nil {
			return err
		}
		if exp := &st.expected[i]; exp.exists && !exp.deleted {
			live++
		}
	}
	if got := len(store.GetByPrefix("k/", db.ScanOptions{})); got != live {
		return fmt.Errorf("prefix scan returned %d entities, expected %d live keys", got, live)
	}
	if st.cfg.verbose {
		entities, dead := store.Stats()
		fmt.Printf("  reopened: %d entities, %d dead\n", entities, dead)
	}
	return nil
}

// verifyKey compares the store with the oracle for key i. The caller holds
// the key lock or has stopped all writers.
func (st *stressTest) verifyKey(i int) error {
	exp := &st.expected[i]
	key := keyName(i)
	e, ok := st.store.Get(key)

	live := exp.exists && !exp.deleted
	if ok != live {
		return fmt.Errorf("%s: found=%v, expected live=%v (version %d)", key, ok, live, exp.version)
	}
	if !ok {
		return nil
	}
	d, isDoc := e.(*doc)
	if !isDoc {
		return fmt.Errorf("%s: stored %T", key, e)
	}
	if d.Version() != exp.version || d.Body != exp.body {
		return fmt.Errorf("%s: got v%d %.16q, expected v%d %.16q", key, d.Version(), d.Body, exp.version, exp.body)
	}
	return nil
}

func (st *stressTest) worker(rng *rand.Rand) {
	w := st.cfg.weights
	total := w.total()
	for !st.stopped() {
		st.storeMu.RLock()
		store := st.store
		n := rng.Intn(total)
		var err error
		switch {
		case n < w.put:
			err = st.opPut(store, rng)
		case n < w.put+w.get:
			err = st.opGet(rng)
		case n < w.put+w.get+w.del:
			err = st.opDelete(store, rng)
		case n < w.put+w.get+w.del+w.batch:
			err = st.opBatch(store, rng)
		case n < w.put+w.get+w.del+w.batch+w.conflict:
			err = st.opConflict(store, rng)
		default:
			err = st.opScan(store, rng)
		}
		st.storeMu.RUnlock()

		if err != nil {
			st.fail("%v", err)
			return
		}
		if every := st.cfg.compactEvery; every > 0 && st.ops.Add(1)%int64(every) == 0 {
			st.rewrite()
		}
	}
}

func (st *stressTest) rewrite() {
	st.storeMu.RLock()
	defer st.storeMu.RUnlock()
	if err := st.store.ForceMaintenance(context.Background()); err != nil {
		st.fail("rewrite: %v", err)
		return
	}
	st.stats.rewrites.Add(1)
}

func (st *stressTest) body(rng *rand.Rand, key string, version int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%d|", key, version)
	for b.Len() < st.cfg.valueSize {
		b.WriteByte(byte('a' + rng.Intn(26)))
	}
	return b.String()
}

func (st *stressTest) opPut(store *db.DB, rng *rand.Rand) error {
	i := rng.Intn(st.cfg.numKeys)
	exp := &st.expected[i]
	exp.mu.Lock()
	defer exp.mu.Unlock()

	key := keyName(i)
	d := &doc{Base: db.Base{ID: key, Revision: exp.nextVersion()}}
	d.Body = st.body(rng, key, d.Revision+1)
	if err := store.Save(context.Background(), d); err != nil {
		return fmt.Errorf("save %s v%d: %w", key, d.Revision, err)
	}
	exp.exists, exp.deleted, exp.version, exp.body = true, false, d.Version(), d.Body
	st.stats.puts.Add(1)
	return nil
}

func (st *stressTest) opGet(rng *rand.Rand) error {
	i := rng.Intn(st.cfg.numKeys)
	exp := &st.expected[i]
	exp.mu.Lock()
	defer exp.mu.Unlock()

	st.stats.gets.Add(1)
	return st.verifyKey(i)
}

func (st *stressTest) opDelete(store *db.DB, rng *rand.Rand) error {
	i := rng.Intn(st.cfg.numKeys)
	exp := &st.expected[i]
	exp.mu.Lock()
	defer exp.mu.Unlock()

	if !exp.exists || exp.deleted {
		return nil
	}
	key := keyName(i)
	d := &doc{Base: db.Base{ID: key, Revision: exp.version, Tombstone: true}}
	if err := store.Save(context.Background(), d); err != nil {
		return fmt.Errorf("delete %s v%d: %w", key, exp.version, err)
	}
	exp.deleted, exp.version, exp.body = true, d.Version(), ""
	st.stats.deletes.Add(1)
	return nil
}

func (st *stressTest) opBatch(store *db.DB, rng *rand.Rand) error {
	size := 2 + rng.Intn(3)
	idx := rng.Perm(st.cfg.numKeys)[:size]
	slices.Sort(idx)

	// Sorted lock order keeps concurrent batches from deadlocking.
	for _, i := range idx {
		st.expected[i].mu.Lock()
	}
	defer func() {
		for _, i := range idx {
			st.expected[i].mu.Unlock()
		}
	}()

	docs := make([]*doc, size)
	entities := make([]db.Entity, size)
	for j, i := range idx {
		key := keyName(i)
		v := st.expected[i].nextVersion()
		docs[j] = &doc{Base: db.Base{ID: key, Revision: v}, Body: st.body(rng, key, v+1)}
		entities[j] = docs[j]
	}
	if err := store.Save(context.Background(), entities...); err != nil {
		return fmt.Errorf("batch %v: %w", idx, err)
	}
	for j, i := range idx {
		exp := &st.expected[i]
		exp.exists, exp.deleted, exp.version, exp.body = true, false, docs[j].Version(), docs[j].Body
	}
	st.stats.batches.Add(1)
	return nil
}

// opConflict writes a version older than the stored one and expects the
// store to reject it without changing anything.
func (st *stressTest) opConflict(store *db.DB, rng *rand.Rand) error {
	i := rng.Intn(st.cfg.numKeys)
	exp := &st.expected[i]
	exp.mu.Lock()
	defer exp.mu.Unlock()

	if !exp.exists || exp.deleted || exp.version < 1 {
		return nil
	}
	key := keyName(i)
	stale := &doc{Base: db.Base{ID: key, Revision: exp.version - 1}, Body: "stale"}
	ok, err := store.TrySave(context.Background(), stale)
	if err != nil {
		return fmt.Errorf("stale save %s: %w", key, err)
	}
	if ok {
		return fmt.Errorf("stale save %s v%d over v%d was accepted", key, exp.version-1, exp.version)
	}
	st.stats.conflicts.Add(1)
	return st.verifyKey(i)
}

// opScan checks that a prefix scan is sorted and stays inside the prefix.
// Keys are not locked, so versions are not compared.
func (st *stressTest) opScan(store *db.DB, rng *rand.Rand) error {
	prefix := keyName(rng.Intn(st.cfg.numKeys))
	prefix = prefix[:len(prefix)-2]

	entities := store.GetByPrefix(prefix, db.ScanOptions{Sorted: true})
	for j, e := range entities {
		if !strings.HasPrefix(e.Key(), prefix) {
			return fmt.Errorf("scan %q returned %s", prefix, e.Key())
		}
		if e.Deleted() {
			return fmt.Errorf("scan %q returned deleted %s", prefix, e.Key())
		}
		if j > 0 && entities[j-1].Key() >= e.Key() {
			return fmt.Errorf("scan %q out of order: %s before %s", prefix, entities[j-1].Key(), e.Key())
		}
	}
	st.stats.scans.Add(1)
	return nil
}
