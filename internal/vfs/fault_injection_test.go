package vfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFaultInjectionFS_Create(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(t.TempDir(), "test.log")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	if !fs.Exists(path) {
		t.Error("File should exist")
	}
	synced, pos, ok := fs.GetFileState(path)
	if !ok || synced != 0 || pos != 5 {
		t.Errorf("GetFileState = (%d, %d, %v), want (0, 5, true)", synced, pos, ok)
	}
}

func TestFaultInjectionFS_InjectWriteError(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(t.TempDir(), "test.log")

	f, err := fs.OpenAppend(path)
	if err != nil {
		t.Fatalf("OpenAppend failed: %v", err)
	}
	defer f.Close()

	fs.InjectWriteError(path)
	if _, err := f.Write([]byte("x")); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("Write error = %v, want ErrInjectedWriteError", err)
	}
	if _, err := fs.Create(path); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("Create error = %v, want ErrInjectedWriteError", err)
	}

	// Other paths are unaffected.
	other := filepath.Join(filepath.Dir(path), "other.log")
	g, err := fs.Create(other)
	if err != nil {
		t.Fatalf("Create(other) failed: %v", err)
	}
	g.Close()

	fs.ClearErrors()
	if _, err := f.Write([]byte("x")); err != nil {
		t.Errorf("Write after ClearErrors failed: %v", err)
	}
}

func TestFaultInjectionFS_InjectSyncError(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	f, err := fs.Create(filepath.Join(t.TempDir(), "test.log"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	fs.InjectSyncError()
	if err := f.Sync(); !errors.Is(err, ErrInjectedSyncError) {
		t.Errorf("Sync error = %v, want ErrInjectedSyncError", err)
	}
}

func TestFaultInjectionFS_DropUnsyncedData(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte("base\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := fs.OpenAppend(path)
	if err != nil {
		t.Fatalf("OpenAppend failed: %v", err)
	}
	f.Write([]byte("synced\n"))
	if err := f.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	f.Write([]byte("lost\n"))
	f.Close()

	if err := fs.DropUnsyncedData(); err != nil {
		t.Fatalf("DropUnsyncedData failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "base\nsynced\n" {
		t.Errorf("Content after crash = %q", data)
	}
}

func TestFaultInjectionFS_ReplaceMovesState(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	dir := t.TempDir()
	src := filepath.Join(dir, "tmp.log")
	dst := filepath.Join(dir, "data.log")

	f, err := fs.Create(src)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.Write([]byte("abc"))
	f.Sync()
	f.Close()

	if err := fs.ReplaceFile(src, dst); err != nil {
		t.Fatalf("ReplaceFile failed: %v", err)
	}
	if _, _, ok := fs.GetFileState(src); ok {
		t.Error("source state should be gone")
	}
	if synced, pos, ok := fs.GetFileState(dst); !ok || synced != 3 || pos != 3 {
		t.Errorf("dst state = (%d, %d, %v)", synced, pos, ok)
	}
}

func TestFaultInjectionFS_Inactive(t *testing.T) {
	fs := NewFaultInjectionFS(Default())
	dir := t.TempDir()
	fs.SetFilesystemActive(false)

	if _, err := fs.Create(filepath.Join(dir, "a.log")); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("Create error = %v", err)
	}
	if err := fs.WriteFile(filepath.Join(dir, "b.log"), strings.NewReader("x")); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("WriteFile error = %v", err)
	}

	fs.SetFilesystemActive(true)
	if err := fs.WriteFile(filepath.Join(dir, "b.log"), strings.NewReader("x")); err != nil {
		t.Errorf("WriteFile after reactivation failed: %v", err)
	}
}
