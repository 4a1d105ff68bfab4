package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aalhour/prefixdb/db"
	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/record"
	flag "github.com/spf13/pflag"
)

const storeFile = "crash.log"

// deleteLag is how far behind the newest record a periodic delete reaches.
const deleteLag = 5

// dataRecord is the document written once per batch.
type dataRecord struct {
	db.Base
	Thread int    `json:"thread"`
	Seq    int64  `json:"seq"`
	Body   string `json:"body"`
}

// counter holds the last sequence number a thread committed.
type counter struct {
	db.Base
	Seq int64 `json:"seq"`
}

func dataKey(thread int, seq int64) string {
	return fmt.Sprintf("data/t%02d/%08d", thread, seq)
}

func counterKey(thread int) string {
	return fmt.Sprintf("counter/t%02d", thread)
}

func bodyFor(thread int, seq int64) string {
	return fmt.Sprintf("thread %d seq %d", thread, seq)
}

// deletes reports whether the batch for seq also deletes seq-deleteLag.
func deletes(seq int64) bool {
	return seq > deleteLag && (seq-deleteLag)%10 == 0
}

// liveAfter reports whether data seq should exist when the counter is c.
func liveAfter(seq, c int64) bool {
	if seq < 1 || seq > c {
		return false
	}
	return !(seq%10 == 0 && seq+deleteLag <= c)
}

type writerConfig struct {
	threads      int
	durability   string
	compression  string
	rewriteEvery time.Duration
	verbose      bool
}

func (w writerConfig) args(dir string) []string {
	return []string{
		"--db", dir,
		"--threads", strconv.Itoa(w.threads),
		"--durability", w.durability,
		"--compression", w.compression,
		"--rewrite-every", w.rewriteEvery.String(),
		"--verbose=" + strconv.FormatBool(w.verbose),
	}
}

func storeTypes() *record.Registry {
	types := record.NewRegistry()
	if err := types.Register("data", (*dataRecord)(nil), nil); err != nil {
		panic(err)
	}
	if err := types.Register("counter", (*counter)(nil), nil); err != nil {
		panic(err)
	}
	return types
}

func openStore(dir string, w writerConfig, readOnly bool) (*db.DB, error) {
	opts := db.DefaultOptions()
	opts.Types = storeTypes()
	opts.ReadOnly = readOnly
	opts.Logger = logging.Discard
	if w.verbose {
		opts.Logger = logging.NewDefaultLogger(logging.LevelWarn)
	}
	var err error
	if opts.Durability, err = db.ParseDurability(w.durability); err != nil {
		return nil, err
	}
	if opts.RewriteCompression, err = compression.Parse(w.compression); err != nil {
		return nil, err
	}
	return db.Open(filepath.Join(dir, storeFile), opts)
}

// childMain runs the writer until it is killed. Acknowledgements go to
// stdout as "ack <thread> <seq>" once Save has returned.
func childMain(args []string) int {
	fs := flag.NewFlagSet("writer", flag.ContinueOnError)
	dir := fs.String("db", "", "Store directory")
	var w writerConfig
	fs.IntVar(&w.threads, "threads", 4, "Number of writer threads")
	fs.StringVar(&w.durability, "durability", "FileSystemCache", "Durability mode")
	fs.StringVar(&w.compression, "compression", "zstd", "Rewrite compression")
	fs.DurationVar(&w.rewriteEvery, "rewrite-every", 0, "Period between forced rewrites")
	fs.BoolVar(&w.verbose, "verbose", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	store, err := openStore(*dir, w, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "writer: open: %v\n", err)
		return 1
	}

	var outMu sync.Mutex
	ack := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(os.Stdout, format, args...)
	}
	ack("ready\n")

	ctx := context.Background()
	if w.rewriteEvery > 0 {
		go func() {
			for range time.Tick(w.rewriteEvery) {
				if err := store.ForceMaintenance(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "writer: rewrite: %v\n", err)
					os.Exit(1)
				}
			}
		}()
	}

	errCh := make(chan error, w.threads)
	for t := range w.threads {
		go func() {
			errCh <- writeLoop(ctx, store, t, func(seq int64) { ack("ack %d %d\n", t, seq) })
		}()
	}
	err = <-errCh
	fmt.Fprintf(os.Stderr, "writer: %v\n", err)
	return 1
}

// writeLoop commits batches for one thread, continuing after the counter
// found in the store.
func writeLoop(ctx context.Context, store *db.DB, thread int, ack func(int64)) error {
	c := &counter{Base: db.Base{ID: counterKey(thread)}}
	if e, ok := store.Get(c.ID); ok {
		found, ok := e.(*counter)
		if !ok {
			return fmt.Errorf("%s holds %T", c.ID, e)
		}
		c = found
	}

	for {
		seq := c.Seq + 1
		next := &counter{Base: db.Base{ID: c.ID, Revision: c.Version()}, Seq: seq}
		batch := []db.Entity{
			&dataRecord{Base: db.Base{ID: dataKey(thread, seq)}, Thread: thread, Seq: seq, Body: bodyFor(thread, seq)},
			next,
		}
		if deletes(seq) {
			batch = append(batch, &dataRecord{Base: db.Base{ID: dataKey(thread, seq-deleteLag), Revision: 1, Tombstone: true}})
		}
		if err := store.Save(ctx, batch...); err != nil {
			if errors.Is(err, db.ErrConflict) {
				return fmt.Errorf("thread %d seq %d: unexpected conflict: %w", thread, seq, err)
			}
			return err
		}
		ack(seq)
		c = next
	}
}
