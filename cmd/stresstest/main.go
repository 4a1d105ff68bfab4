// Full stress test for prefixdb
//
// This tool performs randomized concurrent operations against a store and
// checks every result against an expected state oracle.
//
// KEY DESIGN FEATURES:
//   - Per-key locking: each operation holds the lock of every key it touches
//     while it runs the store call and updates the oracle, so the oracle and
//     the store move in step.
//   - Reopen checks: the store is periodically closed, reopened and verified
//     key by key against the oracle.
//   - Rewrite checks: the log is rewritten during the run, optionally with
//     compression, while writers keep going.
//
// Features:
// - Random saves, gets and deletes
// - Multi-document batches
// - Deliberate stale-version writes that must conflict
// - Prefix scans
//
// Usage: go run ./cmd/stresstest [flags]
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/aalhour/prefixdb/internal/compression"
	flag "github.com/spf13/pflag"
)

var (
	// Test configuration
	duration     = flag.Duration("duration", 60*time.Second, "Test duration")
	numKeys      = flag.Int("keys", 10000, "Number of keys in the key space")
	valueSize    = flag.Int("value-size", 100, "Size of each document body in bytes")
	numThreads   = flag.Int("threads", 32, "Number of concurrent threads")
	reopenPeriod = flag.Duration("reopen", 10*time.Second, "Period between store reopens (0 to disable)")
	compactEvery = flag.Int("compact-every", 50000, "Rewrite the log after N operations (0 to disable)")
	compress     = flag.String("compression", "none", "Rewrite compression (none, snappy, zlib, lz4, zstd)")
	durability   = flag.String("durability", "FileSystemCache", "Durability mode")
	maxPending   = flag.Int("max-pending", 0, "Bound on queued transactions (0 = unbounded)")
	dbPath       = flag.String("db", "", "Store directory (default: temp directory)")
	keepDB       = flag.Bool("keep", false, "Keep store after test")
	verbose      = flag.BoolP("verbose", "v", false, "Verbose output")
	seed         = flag.Int64("seed", 0, "Random seed (0 for time-based)")

	// Operation weights
	putWeight      = flag.Int("put", 35, "Save operation weight")
	getWeight      = flag.Int("get", 25, "Get operation weight")
	deleteWeight   = flag.Int("delete", 10, "Delete operation weight")
	batchWeight    = flag.Int("batch", 15, "Batch save weight")
	conflictWeight = flag.Int("conflict", 5, "Stale save weight")
	scanWeight     = flag.Int("scan", 10, "Prefix scan weight")
)

func main() {
	flag.Parse()

	cfg := config{
		duration:     *duration,
		numKeys:      *numKeys,
		valueSize:    *valueSize,
		threads:      *numThreads,
		reopenPeriod: *reopenPeriod,
		compactEvery: *compactEvery,
		maxPending:   *maxPending,
		seed:         *seed,
		verbose:      *verbose,
		weights: weights{
			put:      *putWeight,
			get:      *getWeight,
			del:      *deleteWeight,
			batch:    *batchWeight,
			conflict: *conflictWeight,
			scan:     *scanWeight,
		},
	}
	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
	}

	var err error
	if cfg.compression, err = compression.Parse(*compress); err != nil {
		fatal("%v", err)
	}
	if cfg.durability, err = parseDurability(*durability); err != nil {
		fatal("%v", err)
	}

	dir := *dbPath
	if dir == "" {
		dir, err = os.MkdirTemp("", "prefixdb-stress-*")
		if err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
		if !*keepDB {
			defer os.RemoveAll(dir)
		}
	}
	cfg.dir = dir

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           prefixdb Stress Test                               ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Printf("Store: %s\n", dir)
	fmt.Printf("Seed: %d, keys: %d, threads: %d, duration: %v\n", cfg.seed, cfg.numKeys, cfg.threads, cfg.duration)
	fmt.Printf("Compression: %v, durability: %v\n\n", cfg.compression, cfg.durability)

	st, err := newStressTest(cfg)
	if err != nil {
		fatal("%v", err)
	}
	stats, err := st.run()
	stats.print()
	if err != nil {
		fmt.Printf("\n❌ STRESS TEST FAILED: %v\n", err)
		fmt.Printf("Reproduce with --seed=%d\n", cfg.seed)
		os.Exit(1)
	}
	fmt.Println("\n✅ STRESS TEST PASSED")
}

func fatal(format string, args ...any) {
	fmt.Printf("FATAL: "+format+"\n", args...)
	os.Exit(1)
}
