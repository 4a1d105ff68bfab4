// Package db provides prefixdb, an embedded document store with prefix
// search and optimistic concurrency.
//
// Every key maps to one versioned Entity. Keys are held in a radix tree, so
// lookups by exact key and by key prefix are both cheap. All writes go
// through a single writer goroutine that validates versions, appends
// records to an append-only log and applies them in memory. The log is
// rewritten online once dead records outweigh live ones.
//
// # Quick Start
//
// Define a document type by embedding Base and register it:
//
//	type User struct {
//	    db.Base
//	    Name string `json:"name"`
//	}
//
//	types := record.NewRegistry()
//	types.Register("user", (*User)(nil), nil)
//
//	opts := db.DefaultOptions()
//	opts.Types = types
//	store, err := db.Open("/path/to/users.log", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	u := &User{Base: db.Base{ID: "user/ada"}, Name: "Ada"}
//	err = store.Save(ctx, u) // u.Version() is now 1
//
//	e, ok := store.Get("user/ada")
//	all := store.GetByPrefix("user/", db.ScanOptions{Sorted: true})
//
// The root prefixdb package wraps registration and typed reads with
// generics.
//
// # Versions and Conflicts
//
// Version 0 marks a new entity. A save succeeds only if the submitted
// version is not older than the stored one, and sets the version to the
// submitted version plus one. A stale save fails with a *ConflictError
// (matching ErrConflict) and leaves the store unchanged. Saving several
// entities at once is all-or-nothing.
//
// Deleting is saving a tombstone: an entity whose Deleted method reports
// true. A tombstoned key comes back to life only through a save with
// version 0.
//
// # Durability
//
// Options.Durability selects how far a write is pushed before Save
// returns:
//   - FileSystemCache: written to the operating system
//   - FlushOnDelay: synced once per batch of queued transactions
//   - FlushEachTransaction: synced after every transaction
//
// # Log Format
//
// The log is line-oriented JSON. The first line is a header carrying the
// creation and last rewrite times and, after a compressed rewrite, the
// rewritten entities as checksummed compressed segments. Every other line
// is one record:
//
//	{"key":"user/ada","$type":"user","val":{"id":"user/ada","version":1,"name":"Ada"}}
//
// A trailing line without a newline is a torn write; it is ignored on load
// and cut off before the next append. Malformed lines are skipped.
//
// # Thread Safety
//
// A DB is safe for concurrent use by multiple goroutines. Entities passed
// to Save and returned by reads are shared with the store and must not be
// mutated; build a new value to change a document.
package db
