/*
Package prefixdb provides an embedded, single-process document store with
prefix search, optimistic concurrency and an append-only log that is
compacted online.

Documents are Go structs embedding Base. Each is stored under a key and
carries a version that every successful save increments; a save carrying
an older version is rejected as a conflict. Keys are indexed in a radix
tree, so all documents under a key prefix are found without a scan of the
whole store.

# Usage

	type User struct {
		prefixdb.Base
		Name string `json:"name"`
	}

	types := prefixdb.NewRegistry()
	if err := prefixdb.Register[*User](types, "user"); err != nil {
		log.Fatal(err)
	}

	opts := prefixdb.DefaultOptions()
	opts.Types = types
	store, err := prefixdb.Open("users.log", opts)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	err = store.Save(ctx, &User{Base: prefixdb.Base{ID: "user/ada"}, Name: "Ada"})
	ada, ok := prefixdb.Get[*User](store, "user/ada")
	users := prefixdb.GetByPrefix[*User](store, "user/", prefixdb.ScanOptions{Sorted: true})

The db package holds the implementation; this package re-exports it and
adds typed helpers.

# Concurrency

A DB is safe for concurrent use by multiple goroutines. Reads never wait for
writes. Writes are applied by a single goroutine in submission order.
*/
package prefixdb
