package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/record"
)

// doc is the entity type used throughout the tests.
type doc struct {
	Base
	Body string `json:"body"`
}

func newDoc(key string, version int64, body string) *doc {
	return &doc{Base: Base{ID: key, Revision: version}, Body: body}
}

func tombstone(key string, version int64) *doc {
	return &doc{Base: Base{ID: key, Revision: version, Tombstone: true}}
}

// note is a second registered type.
type note struct {
	Base
	Text string `json:"text"`
}

func testTypes(t *testing.T) *record.Registry {
	t.Helper()
	r := record.NewRegistry()
	if err := r.Register("doc", (*doc)(nil), nil); err != nil {
		t.Fatalf("Register(doc) error = %v", err)
	}
	if err := r.Register("note", (*note)(nil), nil); err != nil {
		t.Fatalf("Register(note) error = %v", err)
	}
	return r
}

func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Types = testTypes(t)
	opts.Logger = logging.Discard
	return opts
}

func openTestDB(t *testing.T, path string, mutate func(*Options)) *DB {
	t.Helper()
	opts := testOptions(t)
	if mutate != nil {
		mutate(opts)
	}
	d, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", path, err)
	}
	return d
}

func closeDB(t *testing.T, d *DB) {
	t.Helper()
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func testPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "store.log")
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustSave(t *testing.T, d *DB, entities ...Entity) {
	t.Helper()
	if err := d.Save(testContext(t), entities...); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func mustGetDoc(t *testing.T, d *DB, key string) *doc {
	t.Helper()
	e, ok := d.Get(key)
	if !ok {
		t.Fatalf("Get(%q) found nothing", key)
	}
	got, ok := e.(*doc)
	if !ok {
		t.Fatalf("Get(%q) = %T, want *doc", key, e)
	}
	return got
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
