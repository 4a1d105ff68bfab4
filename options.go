package prefixdb

// options.go re-exports store configuration.

import (
	"github.com/aalhour/prefixdb/db"
	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/aalhour/prefixdb/internal/logging"
)

// Options configures a store. See db.Options.
type Options = db.Options

// Durability selects the flush and sync policy.
type Durability = db.Durability

// Durability modes.
const (
	FileSystemCache      = db.FileSystemCache
	FlushOnDelay         = db.FlushOnDelay
	FlushEachTransaction = db.FlushEachTransaction
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressionType is an alias for the rewrite compression type.
type CompressionType = compression.Type

// Compression type constants
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	ZstdCompression   = compression.ZstdCompression
)

// Statistics collects store counters and timings.
type Statistics = db.Statistics

// Metrics summarizes the write path.
type Metrics = db.Metrics

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return db.DefaultOptions()
}

// LoadOptions reads a JSONC options file and applies it over
// DefaultOptions.
func LoadOptions(path string) (*Options, error) {
	return db.LoadOptions(path)
}

// NewStatistics creates a statistics collector to share between stores.
func NewStatistics() Statistics {
	return db.NewStatistics()
}
