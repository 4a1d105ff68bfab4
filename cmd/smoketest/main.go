// End-to-end smoke test for prefixdb.
//
// Use `smoketest` to run a fast end-to-end check across core features.
// `smoketest` creates stores, writes documents, reopens the stores, and verifies results.
// `smoketest` exercises conflicts, prefix scans, recovery, rewrites, and backups.
//
// Run a smoke test:
//
// ```bash
// ./bin/smoketest --keys=10000 --value-size=1000
// ```
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aalhour/prefixdb/db"
	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/record"
	flag "github.com/spf13/pflag"
)

var (
	numKeys   = flag.Int("keys", 10000, "Number of documents to write")
	valueSize = flag.Int("value-size", 1000, "Size of each document body in bytes")
	dbPath    = flag.String("db", "", "Directory for test stores (default: temp directory)")
	keepDB    = flag.Bool("keep", false, "Keep stores after test")
	verbose   = flag.BoolP("verbose", "v", false, "Verbose output")
	cleanup   = flag.Bool("cleanup", false, "Clean up old test directories before running")
)

const testDirPrefix = "prefixdb-smoke-"

// item is the document type written by every test.
type item struct {
	db.Base
	Body string `json:"body"`
}

func main() {
	flag.Parse()

	// Clean up old test directories from previous crashed runs
	if *cleanup {
		cleanupOldTestDirs()
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           prefixdb Smoke Test                                ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║ Keys: %d, Value Size: %d bytes                        ║\n", *numKeys, *valueSize)
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	var testDir string
	var err error
	if *dbPath == "" {
		testDir, err = os.MkdirTemp("", testDirPrefix+"*")
		if err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
		if !*keepDB {
			defer os.RemoveAll(testDir)
		}
	} else {
		testDir = *dbPath
	}
	fmt.Printf("📁 Store directory: %s\n\n", testDir)

	fmt.Print("🔧 Generating test data... ")
	start := time.Now()
	keys, values := generateTestData(*numKeys, *valueSize)
	fmt.Printf("done (%v)\n", time.Since(start))

	passed := 0
	failed := 0

	tests := []struct {
		name string
		fn   func(string, []string, []string) error
	}{
		// Core operations
		{"Basic Save/Get", testBasicSaveGet},
		{"Persistence (Close/Reopen)", testPersistence},
		{"Overwrite Versions", testOverwrite},
		{"Delete and Resurrect", testDelete},
		{"Large Batch Save", testBatchSave},

		// Concurrency control
		{"Conflict Detection", testConflict},
		{"Batch Atomicity", testBatchAtomicity},
		{"Concurrent Writers", testConcurrentWriters},
		{"Bounded Queue", testBoundedQueue},

		// Reads
		{"Prefix Scan Ordering", testPrefixScan},

		// Log maintenance
		{"Torn Tail Recovery", testTornTail},
		{"Forced Rewrite", testForcedRewrite},
		{"Automatic Rewrite", testAutomaticRewrite},
		{"Snappy Rewrite", compressedRewrite(compression.SnappyCompression)},
		{"Zlib Rewrite", compressedRewrite(compression.ZlibCompression)},
		{"LZ4 Rewrite", compressedRewrite(compression.LZ4Compression)},
		{"ZSTD Rewrite", compressedRewrite(compression.ZstdCompression)},
		{"Backup", testBackup},

		// Read modes and durability
		{"Read-Only Mode", testReadOnlyMode},
		{"Sync Each Transaction", testSyncEachTransaction},
		{"In-Memory Store", testInMemory},
	}

	for _, t := range tests {
		fmt.Printf("\n🧪 Test: %s\n", t.name)
		testPath := filepath.Join(testDir, sanitizeName(t.name), "store.log")
		os.RemoveAll(filepath.Dir(testPath)) // Clean up from previous runs

		start := time.Now()
		err := t.fn(testPath, keys, values)
		elapsed := time.Since(start)

		if err != nil {
			fmt.Printf("   ❌ FAILED: %v (%v)\n", err, elapsed)
			failed++
		} else {
			fmt.Printf("   ✅ PASSED (%v)\n", elapsed)
			passed++
		}
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("Results: %d passed, %d failed\n", passed, failed)
	if failed > 0 {
		fmt.Println("❌ SMOKE TEST FAILED")
		os.Exit(1)
	}
	fmt.Println("✅ SMOKE TEST PASSED")

	if *keepDB {
		fmt.Printf("\n📁 Stores kept at: %s\n", testDir)
	}
}

func generateTestData(n int, valueSize int) ([]string, []string) {
	keys := make([]string, n)
	values := make([]string, n)

	raw := make([]byte, (valueSize+1)/2)
	for i := range n {
		keys[i] = fmt.Sprintf("key/%08d", i)
		rand.Read(raw)
		// Embed key index in value for verification
		v := fmt.Sprintf("idx=%08d|", i) + hex.EncodeToString(raw)
		values[i] = v[:max(valueSize, 13)]
	}

	return keys, values
}

func sanitizeName(name string) string {
	result := make([]byte, 0, len(name))
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			result = append(result, byte(c))
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}

func options() *db.Options {
	types := record.NewRegistry()
	if err := types.Register("item", (*item)(nil), nil); err != nil {
		panic(err)
	}
	opts := db.DefaultOptions()
	opts.Types = types
	opts.Logger = logging.Discard
	if *verbose {
		opts.Logger = logging.NewDefaultLogger(logging.LevelInfo)
	}
	return opts
}

func open(path string, mutate func(*db.Options)) (*db.DB, error) {
	opts := options()
	if mutate != nil {
		mutate(opts)
	}
	store, err := db.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}
	return store, nil
}

func saveAll(store *db.DB, keys, values []string, version int64) error {
	ctx := context.Background()
	for i := range keys {
		if err := store.Save(ctx, &item{Base: db.Base{ID: keys[i], Revision: version}, Body: values[i]}); err != nil {
			return fmt.Errorf("save %d failed: %w", i, err)
		}
	}
	return nil
}

func verifyAll(store *db.DB, keys, values []string, version int64) error {
	for i := range keys {
		e, ok := store.Get(keys[i])
		if !ok {
			return fmt.Errorf("key %d missing", i)
		}
		it, ok := e.(*item)
		if !ok {
			return fmt.Errorf("key %d has type %T", i, e)
		}
		if it.Body != values[i] {
			return fmt.Errorf("value mismatch at key %d", i)
		}
		if it.Version() != version {
			return fmt.Errorf("key %d at version %d, want %d", i, it.Version(), version)
		}
	}
	return nil
}

// Test 1: Basic save and get
func testBasicSaveGet(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := saveAll(store, keys, values, 0); err != nil {
		return err
	}
	log("  Saved %d documents", len(keys))

	if err := verifyAll(store, keys, values, 1); err != nil {
		return err
	}
	log("  Verified %d documents", len(keys))
	return nil
}

// Test 2: Persistence across close/reopen
func testPersistence(path string, keys, values []string) error {
	half := len(keys) / 2

	store, err := open(path, nil)
	if err != nil {
		return err
	}
	if err := saveAll(store, keys[:half], values[:half], 0); err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	log("  Session 1: Saved %d documents", half)

	store, err = open(path, nil)
	if err != nil {
		return err
	}
	if err := verifyAll(store, keys[:half], values[:half], 1); err != nil {
		return fmt.Errorf("session 2: %w", err)
	}
	if err := saveAll(store, keys[half:], values[half:], 0); err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	log("  Session 2: Verified %d and saved %d more", half, len(keys)-half)

	store, err = open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := verifyAll(store, keys, values, 1); err != nil {
		return fmt.Errorf("session 3: %w", err)
	}
	log("  Session 3: Verified all %d documents", len(keys))
	return nil
}

// Test 3: Overwrites bump versions and leave dead records
func testOverwrite(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	for v := range int64(3) {
		if err := saveAll(store, keys, values, v); err != nil {
			return err
		}
	}
	entities, dead := store.Stats()
	if entities != int64(len(keys)) || dead != int64(2*len(keys)) {
		return fmt.Errorf("stats = %d entities, %d dead", entities, dead)
	}
	if err := store.Close(); err != nil {
		return err
	}

	store, err = open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	return verifyAll(store, keys, values, 3)
}

// Test 4: Tombstones hide documents until a version 0 save
func testDelete(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if err := saveAll(store, keys, values, 0); err != nil {
		return err
	}
	for i := 0; i < len(keys); i += 2 {
		if err := store.Save(ctx, &item{Base: db.Base{ID: keys[i], Revision: 1, Tombstone: true}}); err != nil {
			return fmt.Errorf("delete %d failed: %w", i, err)
		}
	}
	for i := range keys {
		_, ok := store.Get(keys[i])
		if ok != (i%2 == 1) {
			return fmt.Errorf("key %d visible = %v after deletes", i, ok)
		}
	}

	err = store.Save(ctx, &item{Base: db.Base{ID: keys[0], Revision: 2}, Body: "stale"})
	if !errors.Is(err, db.ErrConflict) {
		return fmt.Errorf("non-zero save over tombstone: %v", err)
	}
	if err := store.Save(ctx, &item{Base: db.Base{ID: keys[0]}, Body: "back"}); err != nil {
		return fmt.Errorf("resurrect failed: %w", err)
	}
	log("  Deleted %d documents, resurrected one", (len(keys)+1)/2)
	return nil
}

// Test 5: One transaction with every document
func testBatchSave(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	batch := make([]db.Entity, len(keys))
	for i := range keys {
		batch[i] = &item{Base: db.Base{ID: keys[i]}, Body: values[i]}
	}
	if err := store.Save(context.Background(), batch...); err != nil {
		return fmt.Errorf("batch save failed: %w", err)
	}
	return verifyAll(store, keys, values, 1)
}

// Test 6: Stale versions are rejected
func testConflict(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if err := saveAll(store, keys[:1], values[:1], 0); err != nil {
		return err
	}
	if err := saveAll(store, keys[:1], values[:1], 1); err != nil {
		return err
	}

	err = store.Save(ctx, &item{Base: db.Base{ID: keys[0], Revision: 1}})
	var conflict *db.ConflictError
	if !errors.As(err, &conflict) {
		return fmt.Errorf("stale save: %v, want a conflict", err)
	}
	if conflict.Submitted != 1 || conflict.Actual != 2 {
		return fmt.Errorf("conflict reports %d/%d", conflict.Submitted, conflict.Actual)
	}

	ok, err := store.TrySave(ctx, &item{Base: db.Base{ID: keys[0]}})
	if ok || err != nil {
		return fmt.Errorf("TrySave(stale) = %v, %v", ok, err)
	}
	return nil
}

// Test 7: A conflicting batch applies nothing
func testBatchAtomicity(path string, keys, values []string) error {
	if len(keys) < 3 {
		return nil
	}
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := saveAll(store, keys[1:2], values[1:2], 0); err != nil {
		return err
	}
	err = store.Save(context.Background(),
		&item{Base: db.Base{ID: keys[0]}},
		&item{Base: db.Base{ID: keys[1]}},
		&item{Base: db.Base{ID: keys[2]}},
	)
	if !errors.Is(err, db.ErrConflict) {
		return fmt.Errorf("batch with stale member: %v", err)
	}
	if _, ok := store.Get(keys[0]); ok {
		return errors.New("first batch member applied")
	}
	if _, ok := store.Get(keys[2]); ok {
		return errors.New("last batch member applied")
	}
	return nil
}

// Test 8: Writers on disjoint keys
func testConcurrentWriters(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for i := w; i < len(keys); i += writers {
				if err := store.Save(ctx, &item{Base: db.Base{ID: keys[i]}, Body: values[i]}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}

	m := store.Metrics()
	log("  %d transactions, average batch length %.2f", m.Transactions, m.AvgBatchLength)
	return verifyAll(store, keys, values, 1)
}

// Test 9: Saves block on a full queue but all complete
func testBoundedQueue(path string, keys, values []string) error {
	return testConcurrentWritersWith(path, keys, values, func(o *db.Options) { o.MaxPendingTransactions = 4 })
}

func testConcurrentWritersWith(path string, keys, values []string, mutate func(*db.Options)) error {
	store, err := open(path, mutate)
	if err != nil {
		return err
	}
	defer store.Close()

	var wg sync.WaitGroup
	var failures sync.Map
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < len(keys); i += 4 {
				if err := saveAll(store, keys[i:i+1], values[i:i+1], 0); err != nil {
					failures.Store(i, err)
				}
			}
		}()
	}
	wg.Wait()

	var firstErr error
	failures.Range(func(_, v any) bool {
		firstErr = v.(error)
		return false
	})
	if firstErr != nil {
		return firstErr
	}
	return verifyAll(store, keys, values, 1)
}

// Test 10: Prefix scans return sorted keys
func testPrefixScan(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	// Save in reverse order so insertion order differs from key order.
	for i := len(keys) - 1; i >= 0; i-- {
		if err := saveAll(store, keys[i:i+1], values[i:i+1], 0); err != nil {
			return err
		}
	}
	if err := saveAll(store, []string{"other/x"}, []string{"x"}, 0); err != nil {
		return err
	}

	got := store.GetByPrefix("key/", db.ScanOptions{Sorted: true})
	if len(got) != len(keys) {
		return fmt.Errorf("scan returned %d documents, want %d", len(got), len(keys))
	}
	for i, e := range got {
		if e.Key() != keys[i] {
			return fmt.Errorf("scan position %d holds %s, want %s", i, e.Key(), keys[i])
		}
	}
	return nil
}

// Test 11: A torn last record is dropped and the log stays appendable
func testTornTail(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	if err := saveAll(store, keys, values, 0); err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(`{"key":"torn","$type":"item","val":{"id":"to`)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	store, err = open(path, nil)
	if err != nil {
		return err
	}
	if err := saveAll(store, []string{"after"}, []string{"tear"}, 0); err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}

	store, err = open(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	if _, ok := store.Get("torn"); ok {
		return errors.New("torn record was loaded")
	}
	if err := verifyAll(store, []string{"after"}, []string{"tear"}, 1); err != nil {
		return err
	}
	return verifyAll(store, keys, values, 1)
}

// Test 12: ForceMaintenance shrinks the log
func testForcedRewrite(path string, keys, values []string) error {
	return rewriteAndVerify(path, keys, values, nil)
}

func compressedRewrite(t compression.Type) func(string, []string, []string) error {
	return func(path string, keys, values []string) error {
		return rewriteAndVerify(path, keys, values, func(o *db.Options) {
			o.RewriteCompression = t
			o.SegmentSize = 256
		})
	}
}

func rewriteAndVerify(path string, keys, values []string, mutate func(*db.Options)) error {
	store, err := open(path, mutate)
	if err != nil {
		return err
	}
	for v := range int64(3) {
		if err := saveAll(store, keys, values, v); err != nil {
			return err
		}
	}
	before, err := fileSize(path)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := store.ForceMaintenance(context.Background()); err != nil {
		return fmt.Errorf("rewrite failed: %w", err)
	}
	elapsed := time.Since(start)
	if err := store.Close(); err != nil {
		return err
	}

	after, err := fileSize(path)
	if err != nil {
		return err
	}
	if after >= before {
		return fmt.Errorf("log grew from %d to %d bytes", before, after)
	}
	log("  Rewrote %d -> %d bytes in %v", before, after, elapsed)

	store, err = open(path, mutate)
	if err != nil {
		return err
	}
	defer store.Close()
	return verifyAll(store, keys, values, 3)
}

// Test 13: Dead records trigger a rewrite on their own
func testAutomaticRewrite(path string, keys, values []string) error {
	store, err := open(path, func(o *db.Options) {
		o.RewriteMinimum = int64(len(keys) / 2)
		o.RewriteRatio = 1
	})
	if err != nil {
		return err
	}
	defer store.Close()

	for v := range int64(4) {
		if err := saveAll(store, keys, values, v); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(30 * time.Second)
	for store.Statistics().GetTickerCount(db.TickerRewrites) == 0 {
		if time.Now().After(deadline) {
			return errors.New("no rewrite started")
		}
		if err := store.Barrier(context.Background()); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return verifyAll(store, keys, values, 4)
}

// Test 14: A backup opens as its own store
func testBackup(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	if err := saveAll(store, keys, values, 0); err != nil {
		return err
	}

	backupPath := filepath.Join(filepath.Dir(path), "backup.log")
	if err := store.CreateBackup(context.Background(), backupPath); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	var buf bytes.Buffer
	if err := store.CreateBackupTo(context.Background(), &buf); err != nil {
		return fmt.Errorf("streamed backup failed: %w", err)
	}
	if err := store.Close(); err != nil {
		return err
	}
	log("  Backup written, %d bytes streamed", buf.Len())

	backup, err := open(backupPath, nil)
	if err != nil {
		return err
	}
	defer backup.Close()
	return verifyAll(backup, keys, values, 1)
}

// Test 15: Read-only stores serve reads and refuse writes
func testReadOnlyMode(path string, keys, values []string) error {
	store, err := open(path, nil)
	if err != nil {
		return err
	}
	if err := saveAll(store, keys, values, 0); err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}

	ro, err := open(path, func(o *db.Options) { o.ReadOnly = true })
	if err != nil {
		return err
	}
	defer ro.Close()
	if err := verifyAll(ro, keys, values, 1); err != nil {
		return err
	}
	if err := saveAll(ro, keys[:1], values[:1], 1); !errors.Is(err, db.ErrReadOnly) {
		return fmt.Errorf("save on read-only store: %v", err)
	}
	return nil
}

// Test 16: FlushEachTransaction syncs every save
func testSyncEachTransaction(path string, keys, values []string) error {
	n := min(len(keys), 500)
	store, err := open(path, func(o *db.Options) { o.Durability = db.FlushEachTransaction })
	if err != nil {
		return err
	}
	defer store.Close()

	if err := saveAll(store, keys[:n], values[:n], 0); err != nil {
		return err
	}
	if syncs := store.Metrics().Syncs; syncs < uint64(n) {
		return fmt.Errorf("%d syncs for %d transactions", syncs, n)
	}
	return nil
}

// Test 17: The in-memory store runs the same protocol
func testInMemory(_ string, keys, values []string) error {
	store, err := open("", nil)
	if err != nil {
		return err
	}
	defer store.Close()

	for v := range int64(2) {
		if err := saveAll(store, keys, values, v); err != nil {
			return err
		}
	}
	if err := store.ForceMaintenance(context.Background()); err != nil {
		return err
	}
	return verifyAll(store, keys, values, 2)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func cleanupOldTestDirs() {
	tempDir := os.TempDir()
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		fmt.Printf("Warning: could not read temp dir for cleanup: %v\n", err)
		return
	}

	var cleaned int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(name) < len(testDirPrefix) {
			continue
		}
		if name[:len(testDirPrefix)] == testDirPrefix {
			fullPath := filepath.Join(tempDir, name)
			if err := os.RemoveAll(fullPath); err != nil {
				fmt.Printf("Warning: could not remove %s: %v\n", fullPath, err)
			} else {
				cleaned++
			}
		}
	}
	if cleaned > 0 {
		fmt.Printf("🧹 Cleaned up %d old test directories\n", cleaned)
	}
}

func log(format string, args ...any) {
	if *verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func fatal(format string, args ...any) {
	fmt.Printf("FATAL: "+format+"\n", args...)
	os.Exit(1)
}
