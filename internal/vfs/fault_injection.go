package vfs

import (
	"errors"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")
)

// FaultInjectionFS wraps an FS and allows injecting errors.
// It tracks the synced length of each written file so a crash can be
// simulated by dropping everything written after the last Sync.
type FaultInjectionFS struct {
	base FS

	mu sync.RWMutex

	fileState map[string]*fileState

	injectWriteError bool
	injectSyncError  bool
	writeErrorPath   string

	// When false, every mutating call fails.
	filesystemActive bool
}

// fileState tracks the sync state of a file.
type fileState struct {
	pos       int64 // Current file position
	syncedPos int64 // Position up to which data is synced
}

// NewFaultInjectionFS creates a new fault-injecting filesystem wrapper.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:             base,
		fileState:        make(map[string]*fileState),
		filesystemActive: true,
	}
}

// SetFilesystemActive enables or disables the filesystem.
// When disabled, all writes fail. Used to simulate crash.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.filesystemActive = active
}

// InjectWriteError makes writes to path fail. An empty path matches every file.
func (fs *FaultInjectionFS) InjectWriteError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = true
	fs.writeErrorPath = abs(path)
}

// InjectSyncError makes every Sync fail.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectSyncError = true
}

// ClearErrors clears all error injection.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = false
	fs.injectSyncError = false
	fs.writeErrorPath = ""
}

// DropUnsyncedData simulates a crash by truncating every tracked file to its
// last synced position.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	states := make(map[string]*fileState, len(fs.fileState))
	maps.Copy(states, fs.fileState)
	fs.mu.Unlock()

	for path, state := range states {
		if state.syncedPos >= state.pos {
			continue
		}
		if err := os.Truncate(path, state.syncedPos); err != nil && !os.IsNotExist(err) {
			return err
		}
		fs.mu.Lock()
		if s, ok := fs.fileState[path]; ok {
			s.pos = s.syncedPos
		}
		fs.mu.Unlock()
	}
	return nil
}

// GetFileState returns the tracked state for a file.
func (fs *FaultInjectionFS) GetFileState(path string) (syncedPos, currentPos int64, ok bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	state, exists := fs.fileState[abs(path)]
	if !exists {
		return 0, 0, false
	}
	return state.syncedPos, state.pos, true
}

func (fs *FaultInjectionFS) writeFails(path string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if !fs.filesystemActive {
		return true
	}
	return fs.injectWriteError && (fs.writeErrorPath == "" || fs.writeErrorPath == path)
}

// Create creates a new writable file with fault injection.
func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	path := abs(name)
	if fs.writeFails(path) {
		return nil, ErrInjectedWriteError
	}

	baseFile, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.fileState[path] = &fileState{}
	fs.mu.Unlock()

	return &faultWritableFile{base: baseFile, fs: fs, path: path}, nil
}

// OpenAppend opens a file for appending with fault injection tracking.
// Existing content counts as synced.
func (fs *FaultInjectionFS) OpenAppend(name string) (WritableFile, error) {
	path := abs(name)
	if fs.writeFails(path) {
		return nil, ErrInjectedWriteError
	}

	baseFile, err := fs.base.OpenAppend(name)
	if err != nil {
		return nil, err
	}
	size, err := baseFile.Size()
	if err != nil {
		_ = baseFile.Close()
		return nil, err
	}

	fs.mu.Lock()
	fs.fileState[path] = &fileState{pos: size, syncedPos: size}
	fs.mu.Unlock()

	return &faultWritableFile{base: baseFile, fs: fs, path: path}, nil
}

// Open opens an existing file for sequential reading.
func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	return fs.base.Open(name)
}

// ReplaceFile atomically replaces dst with src and moves src's sync state.
func (fs *FaultInjectionFS) ReplaceFile(src, dst string) error {
	if fs.writeFails(abs(dst)) {
		return ErrInjectedWriteError
	}
	if err := fs.base.ReplaceFile(src, dst); err != nil {
		return err
	}

	fs.mu.Lock()
	absSrc, absDst := abs(src), abs(dst)
	if state, ok := fs.fileState[absSrc]; ok {
		fs.fileState[absDst] = state
		delete(fs.fileState, absSrc)
	} else {
		delete(fs.fileState, absDst)
	}
	fs.mu.Unlock()
	return nil
}

// WriteFile atomically writes a file. Atomic writes are always synced.
func (fs *FaultInjectionFS) WriteFile(name string, r io.Reader) error {
	if fs.writeFails(abs(name)) {
		return ErrInjectedWriteError
	}
	return fs.base.WriteFile(name, r)
}

// Remove deletes a file.
func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.base.Remove(name); err != nil {
		return err
	}

	fs.mu.Lock()
	delete(fs.fileState, abs(name))
	fs.mu.Unlock()
	return nil
}

// MkdirAll creates a directory and all parent directories.
func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	if fs.writeFails(abs(path)) {
		return ErrInjectedWriteError
	}
	return fs.base.MkdirAll(path, perm)
}

// Stat returns file info.
func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) {
	return fs.base.Stat(name)
}

// Exists returns true if the file exists.
func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

// Lock acquires an exclusive lock on a file.
func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) {
	return fs.base.Lock(name)
}

// SyncDir syncs a directory.
func (fs *FaultInjectionFS) SyncDir(path string) error {
	return fs.base.SyncDir(path)
}

// faultWritableFile wraps WritableFile with fault injection.
type faultWritableFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultWritableFile) Write(p []byte) (int, error) {
	if f.fs.writeFails(f.path) {
		return 0, ErrInjectedWriteError
	}

	n, err := f.base.Write(p)

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.pos += int64(n)
	}
	f.fs.mu.Unlock()

	return n, err
}

func (f *faultWritableFile) Close() error {
	return f.base.Close()
}

func (f *faultWritableFile) Sync() error {
	f.fs.mu.RLock()
	failed := f.fs.injectSyncError
	f.fs.mu.RUnlock()
	if failed {
		return ErrInjectedSyncError
	}

	if err := f.base.Sync(); err != nil {
		return err
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.syncedPos = state.pos
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultWritableFile) Truncate(size int64) error {
	if f.fs.writeFails(f.path) {
		return ErrInjectedWriteError
	}
	if err := f.base.Truncate(size); err != nil {
		return err
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.pos = size
		state.syncedPos = min(state.syncedPos, size)
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultWritableFile) Size() (int64, error) {
	return f.base.Size()
}

func abs(name string) string {
	if name == "" {
		return ""
	}
	p, err := filepath.Abs(name)
	if err != nil {
		return name
	}
	return p
}
