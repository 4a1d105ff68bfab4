package prefixdb_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aalhour/prefixdb"
)

type Note struct {
	prefixdb.Base
	Text string `json:"text"`
}

func ExampleOpen() {
	dir, err := os.MkdirTemp("", "prefixdb-example-*")
	if err != nil {
		panic(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	types := prefixdb.NewRegistry()
	if err := prefixdb.Register[*Note](types, "note"); err != nil {
		panic(err)
	}
	opts := prefixdb.DefaultOptions()
	opts.Types = types

	store, err := prefixdb.Open(filepath.Join(dir, "notes.log"), opts)
	if err != nil {
		panic(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for _, id := range []string{"notes/c", "notes/a", "notes/b"} {
		if err := store.Save(ctx, &Note{Base: prefixdb.Base{ID: id}, Text: "about " + id}); err != nil {
			panic(err)
		}
	}

	for _, n := range prefixdb.GetByPrefix[*Note](store, "notes/", prefixdb.ScanOptions{Sorted: true}) {
		fmt.Println(n.Key(), n.Version(), n.Text)
	}
	// Output:
	// notes/a 1 about notes/a
	// notes/b 1 about notes/b
	// notes/c 1 about notes/c
}

func ExampleDB_Save_conflict() {
	store, err := prefixdb.Open("", nil)
	if err != nil {
		panic(err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	first := &Note{Base: prefixdb.Base{ID: "n"}, Text: "v1"}
	_ = store.Save(ctx, first)

	stale := &Note{Base: prefixdb.Base{ID: "n"}, Text: "lost update"}
	ok, err := store.TrySave(ctx, stale)
	fmt.Println(ok, err)
	// Output:
	// false <nil>
}
