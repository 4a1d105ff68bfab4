// Crash test orchestrator for prefixdb
//
// This tool repeatedly starts a writer process and kills it at random
// intervals, then verifies the store after each crash. The writer reports
// every acknowledged transaction on stdout; after a kill the orchestrator
// reopens the store and checks that nothing acknowledged was lost and that
// every batch landed whole or not at all.
//
// Each writer thread commits batches of {data record, counter update}, and
// every tenth batch also deletes an older record. A background goroutine
// forces log rewrites so that kills land inside rewrites too.
//
// Usage: go run ./cmd/crashtest [flags]
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
)

// childEnv marks a process started as the writer.
const childEnv = "PREFIXDB_CRASHTEST_CHILD"

var (
	// Test configuration
	duration      = flag.Duration("duration", 5*time.Minute, "Total test duration")
	crashInterval = flag.Duration("interval", 5*time.Second, "Maximum time before a crash")
	minInterval   = flag.Duration("min-interval", 500*time.Millisecond, "Minimum time before a crash")
	numCycles     = flag.Int("cycles", 0, "Number of crash cycles (0 = unlimited until duration)")
	dbPath        = flag.String("db", "", "Store directory (default: temp directory)")
	keepDB        = flag.Bool("keep", false, "Keep store after test")
	verbose       = flag.BoolP("verbose", "v", false, "Verbose output")
	seed          = flag.Int64("seed", 0, "Random seed (0 for time-based)")
	threads       = flag.Int("threads", 4, "Number of writer threads")
	durability    = flag.String("durability", "FileSystemCache", "Durability mode of the writer")
	compress      = flag.String("compression", "zstd", "Rewrite compression of the writer")
	rewriteEvery  = flag.Duration("rewrite-every", 200*time.Millisecond, "Period between forced rewrites (0 to disable)")
	killMode      = flag.String("kill-mode", "sigkill", "Kill mode: sigkill, sigterm, random")
)

func main() {
	if os.Getenv(childEnv) == "1" {
		os.Exit(childMain(os.Args[1:]))
	}

	flag.Parse()
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	dir := *dbPath
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "prefixdb-crash-*")
		if err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
		if !*keepDB {
			defer os.RemoveAll(dir)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		fatal("Failed to locate executable: %v", err)
	}

	cfg := orchestratorConfig{
		exe:         exe,
		dir:         dir,
		duration:    *duration,
		cycles:      *numCycles,
		minInterval: *minInterval,
		maxInterval: *crashInterval,
		killMode:    *killMode,
		verbose:     *verbose,
		rng:         rand.New(rand.NewSource(*seed)),
		writer: writerConfig{
			threads:      *threads,
			durability:   *durability,
			compression:  *compress,
			rewriteEvery: *rewriteEvery,
			verbose:      *verbose,
		},
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           prefixdb Crash Test                                ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Printf("Store: %s\n", dir)
	fmt.Printf("Seed: %d, threads: %d, durability: %s, kill mode: %s\n\n", *seed, *threads, *durability, *killMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n⚠️  Received interrupt, shutting down...")
		cancel()
	}()

	stats, err := runCrashCycles(ctx, cfg)
	stats.print()
	if err != nil {
		fmt.Printf("\n❌ CRASH TEST FAILED: %v\n", err)
		fmt.Printf("Reproduce with --seed=%d\n", *seed)
		os.Exit(1)
	}
	fmt.Println("\n✅ CRASH TEST PASSED")
}

func fatal(format string, args ...any) {
	fmt.Printf("FATAL: "+format+"\n", args...)
	os.Exit(1)
}
