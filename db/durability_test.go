package db

import (
	"errors"
	"testing"

	"github.com/aalhour/prefixdb/internal/vfs"
)

func TestDurability_UnsyncedDataLost(t *testing.T) {
	tests := []struct {
		durability Durability
		wantKept   bool
	}{
		{FileSystemCache, false},
		{FlushOnDelay, true},
		{FlushEachTransaction, true},
	}

	for _, tt := range tests {
		t.Run(tt.durability.String(), func(t *testing.T) {
			path := testPath(t)
			fs := vfs.NewFaultInjectionFS(vfs.Default())
			d := openTestDB(t, path, func(o *Options) {
				o.FS = fs
				o.Durability = tt.durability
			})
			defer func() { _ = d.Close() }()

			for _, key := range []string{"a", "b", "c"} {
				mustSave(t, d, newDoc(key, 0, key))
			}

			// Simulate a crash: whatever was not synced is gone.
			if err := fs.DropUnsyncedData(); err != nil {
				t.Fatalf("DropUnsyncedData() error = %v", err)
			}

			ro := openTestDB(t, path, func(o *Options) {
				o.FS = fs
				o.ReadOnly = true
			})
			defer closeDB(t, ro)

			entities, _ := ro.Stats()
			if tt.wantKept && entities != 3 {
				t.Errorf("entities after crash = %d, want 3", entities)
			}
			if !tt.wantKept && entities != 0 {
				t.Errorf("entities after crash = %d, want 0", entities)
			}
		})
	}
}

func TestDurability_SyncCounts(t *testing.T) {
	d := openTestDB(t, testPath(t), func(o *Options) { o.Durability = FlushEachTransaction })
	defer closeDB(t, d)

	for _, key := range []string{"a", "b", "c"} {
		mustSave(t, d, newDoc(key, 0, ""))
	}
	if got := d.Metrics().Syncs; got < 3 {
		t.Errorf("Syncs = %d, want at least one per transaction", got)
	}
}

func TestDurability_IdleBatchesSkipSync(t *testing.T) {
	d := openTestDB(t, testPath(t), func(o *Options) { o.Durability = FlushOnDelay })
	defer closeDB(t, d)

	mustSave(t, d, newDoc("a", 0, ""))
	synced := d.Metrics().Syncs
	if synced != 1 {
		t.Fatalf("Syncs after one save = %d, want 1", synced)
	}
	for range 5 {
		if err := d.Barrier(testContext(t)); err != nil {
			t.Fatalf("Barrier() error = %v", err)
		}
	}
	if got := d.Metrics().Syncs; got != synced {
		t.Errorf("Syncs after barriers = %d, want %d", got, synced)
	}

	mustSave(t, d, newDoc("b", 0, ""))
	if got := d.Metrics().Syncs; got != synced+1 {
		t.Errorf("Syncs after second save = %d, want %d", got, synced+1)
	}
}

func TestWriteFailureStopsWriter(t *testing.T) {
	path := testPath(t)
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	d := openTestDB(t, path, func(o *Options) { o.FS = fs })

	mustSave(t, d, newDoc("a", 0, "before"))

	fs.InjectWriteError(path)
	err := d.Save(testContext(t), newDoc("b", 0, "lost"))
	if !errors.Is(err, ErrBackgroundError) {
		t.Fatalf("Save() with failing disk error = %v, want ErrBackgroundError", err)
	}
	if !errors.Is(err, vfs.ErrInjectedWriteError) {
		t.Errorf("Save() error = %v does not carry the cause", err)
	}

	fs.ClearErrors()
	if err := d.Save(testContext(t), newDoc("c", 0, "")); !errors.Is(err, ErrBackgroundError) {
		t.Errorf("Save() after failure error = %v, want ErrBackgroundError", err)
	}
	if err := d.ForceMaintenance(testContext(t)); !errors.Is(err, ErrBackgroundError) {
		t.Errorf("ForceMaintenance() after failure error = %v, want ErrBackgroundError", err)
	}

	// Reads keep working.
	if got := mustGetDoc(t, d, "a"); got.Body != "before" {
		t.Errorf("Get(a).Body = %q", got.Body)
	}
	_ = d.Close()
}

func TestSyncFailureStopsWriter(t *testing.T) {
	path := testPath(t)
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions(t)
	opts.FS = fs
	opts.Durability = FlushOnDelay
	// The default logger routes Fatalf into the background error.
	opts.Logger = nil
	d, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	fs.InjectSyncError()
	err = d.Save(testContext(t), newDoc("a", 0, ""))
	if !errors.Is(err, ErrBackgroundError) || !errors.Is(err, vfs.ErrInjectedSyncError) {
		t.Errorf("Save() error = %v, want ErrBackgroundError from the sync", err)
	}
	if err := d.Close(); err == nil {
		t.Error("Close() after a failed sync returned nil")
	}
}
