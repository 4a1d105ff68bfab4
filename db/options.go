package db

import (
	"fmt"

	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/options"
	"github.com/aalhour/prefixdb/internal/record"
	"github.com/aalhour/prefixdb/internal/vfs"
)

// Durability selects how far appended records are pushed after a write.
// It only affects file-backed stores.
type Durability int

const (
	// FileSystemCache flushes the write buffer after every drained batch and
	// leaves syncing to the operating system.
	FileSystemCache Durability = iota
	// FlushOnDelay flushes and syncs the log once per drained batch.
	FlushOnDelay
	// FlushEachTransaction flushes and syncs after every transaction.
	FlushEachTransaction
)

var durabilityNames = [...]string{"FileSystemCache", "FlushOnDelay", "FlushEachTransaction"}

// String returns the name of the durability mode.
func (d Durability) String() string {
	if d >= 0 && int(d) < len(durabilityNames) {
		return durabilityNames[d]
	}
	return fmt.Sprintf("Durability(%d)", int(d))
}

// ParseDurability returns the mode named s.
func ParseDurability(s string) (Durability, error) {
	for i, name := range durabilityNames {
		if name == s {
			return Durability(i), nil
		}
	}
	return FileSystemCache, fmt.Errorf("%w: unknown durability %q", ErrInvalidOptions, s)
}

// Options configures a DB.
type Options struct {
	// ReadOnly opens an existing log without a writer. Mutations fail with
	// ErrReadOnly. Requires a path.
	ReadOnly bool

	// RewriteRatio is the dead/live entity ratio above which the log is
	// rewritten. Must be positive.
	RewriteRatio float64

	// RewriteMinimum is the live entity count a store must exceed before
	// automatic rewrites start.
	RewriteMinimum int64

	// Durability selects the flush and sync policy.
	Durability Durability

	// RewriteCompression compresses rewritten entities into segments stored
	// in the header. NoCompression writes plain record lines.
	RewriteCompression compression.Type

	// SegmentSize is the number of entities per compressed segment.
	SegmentSize int

	// MaxPendingTransactions bounds the write queue. Zero means unbounded;
	// otherwise submitting blocks while the queue is full.
	MaxPendingTransactions int

	// Types maps type tags to entity types. Nil uses an empty registry, in
	// which case records are tagged with their Go type name.
	Types *record.Registry

	// Logger receives store diagnostics. Nil logs warnings to stderr.
	Logger logging.Logger

	// FS is the filesystem. Nil uses the OS filesystem.
	FS vfs.FS

	// Statistics collects counters and timings. Nil creates a private
	// collector, reachable through DB.Statistics.
	Statistics Statistics
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		ReadOnly:               false,
		RewriteRatio:           1.0,
		RewriteMinimum:         1000,
		Durability:             FileSystemCache,
		RewriteCompression:     compression.NoCompression,
		SegmentSize:            1024,
		MaxPendingTransactions: 0,
		Types:                  nil, // Will use an empty registry
		Logger:                 nil, // Will use a WARN-level stderr logger
		FS:                     nil, // Will use vfs.Default()
		Statistics:             nil,
	}
}

// validate checks options against the target path.
func (o *Options) validate(path string) error {
	if o.ReadOnly && path == "" {
		return fmt.Errorf("%w: read-only store requires a path", ErrInvalidOptions)
	}
	if !(o.RewriteRatio > 0) {
		return fmt.Errorf("%w: rewrite ratio must be positive, got %v", ErrInvalidOptions, o.RewriteRatio)
	}
	if o.RewriteMinimum < 0 {
		return fmt.Errorf("%w: rewrite minimum must not be negative", ErrInvalidOptions)
	}
	if o.Durability < FileSystemCache || o.Durability > FlushEachTransaction {
		return fmt.Errorf("%w: unknown durability %d", ErrInvalidOptions, o.Durability)
	}
	if !o.RewriteCompression.IsSupported() {
		return fmt.Errorf("%w: unsupported compression %v", ErrInvalidOptions, o.RewriteCompression)
	}
	if o.RewriteCompression != compression.NoCompression && o.SegmentSize <= 0 {
		return fmt.Errorf("%w: segment size must be positive when compressing", ErrInvalidOptions)
	}
	if o.MaxPendingTransactions < 0 {
		return fmt.Errorf("%w: max pending transactions must not be negative", ErrInvalidOptions)
	}
	return nil
}

// LoadOptions reads a JSONC options file and applies it over DefaultOptions.
// A log_level entry installs a stderr logger at that level.
func LoadOptions(path string) (*Options, error) {
	return LoadOptionsFS(vfs.Default(), path)
}

// LoadOptionsFS is LoadOptions reading through fs.
func LoadOptionsFS(fs vfs.FS, path string) (*Options, error) {
	parsed, err := options.ReadOptionsFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	opts := DefaultOptions()
	opts.FS = fs
	if parsed.ReadOnly != nil {
		opts.ReadOnly = *parsed.ReadOnly
	}
	if parsed.RewriteRatio != nil {
		opts.RewriteRatio = *parsed.RewriteRatio
	}
	if parsed.RewriteMinimum != nil {
		opts.RewriteMinimum = *parsed.RewriteMinimum
	}
	if parsed.Durability != nil {
		if opts.Durability, err = ParseDurability(*parsed.Durability); err != nil {
			return nil, err
		}
	}
	if c, ok := parsed.Compression(); ok {
		opts.RewriteCompression = c
	}
	if parsed.SegmentSize != nil {
		opts.SegmentSize = *parsed.SegmentSize
	}
	if parsed.MaxPendingTransactions != nil {
		opts.MaxPendingTransactions = *parsed.MaxPendingTransactions
	}
	if level, ok := parsed.Level(); ok {
		opts.Logger = logging.NewDefaultLogger(level)
	}
	return opts, nil
}
