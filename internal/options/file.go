// Package options implements options file parsing for store configuration.
//
// Options files are JSON with comments and trailing commas allowed (JSONC).
// Every field is optional; absent fields keep the caller's defaults.
//
// This package is internal and not part of the public API.
package options

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/vfs"
	"github.com/tailscale/hujson"
)

// ErrInvalid is returned for options files that do not parse or carry
// out-of-range values.
var ErrInvalid = errors.New("options: invalid options file")

// Parsed represents options read from an options file. Nil fields were not
// present in the file.
type Parsed struct {
	ReadOnly               *bool    `json:"read_only,omitempty"`
	RewriteRatio           *float64 `json:"rewrite_ratio,omitempty"`
	RewriteMinimum         *int64   `json:"rewrite_minimum,omitempty"`
	Durability             *string  `json:"durability,omitempty"`
	RewriteCompression     *string  `json:"rewrite_compression,omitempty"`
	SegmentSize            *int     `json:"segment_size,omitempty"`
	MaxPendingTransactions *int     `json:"max_pending_transactions,omitempty"`
	LogLevel               *string  `json:"log_level,omitempty"`
}

// ReadOptionsFile reads and parses an options file.
func ReadOptionsFile(fs vfs.FS, path string) (*Parsed, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	return ParseOptionsFile(file)
}

// ParseOptionsFile parses options from a reader.
func ParseOptionsFile(r io.Reader) (*Parsed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSONC: %w", ErrInvalid, err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var p Parsed
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Parsed) check() error {
	if p.RewriteRatio != nil && *p.RewriteRatio <= 0 {
		return fmt.Errorf("%w: rewrite_ratio must be positive, got %v", ErrInvalid, *p.RewriteRatio)
	}
	if p.RewriteMinimum != nil && *p.RewriteMinimum < 0 {
		return fmt.Errorf("%w: rewrite_minimum must not be negative", ErrInvalid)
	}
	if p.SegmentSize != nil && *p.SegmentSize < 0 {
		return fmt.Errorf("%w: segment_size must not be negative", ErrInvalid)
	}
	if p.MaxPendingTransactions != nil && *p.MaxPendingTransactions < 0 {
		return fmt.Errorf("%w: max_pending_transactions must not be negative", ErrInvalid)
	}
	if p.RewriteCompression != nil {
		if _, err := compression.Parse(*p.RewriteCompression); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	if p.LogLevel != nil {
		if _, err := logging.ParseLevel(*p.LogLevel); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// Compression returns the parsed rewrite compression type.
func (p *Parsed) Compression() (compression.Type, bool) {
	if p.RewriteCompression == nil {
		return compression.NoCompression, false
	}
	t, _ := compression.Parse(*p.RewriteCompression)
	return t, true
}

// Level returns the parsed log level.
func (p *Parsed) Level() (logging.Level, bool) {
	if p.LogLevel == nil {
		return logging.LevelWarn, false
	}
	l, _ := logging.ParseLevel(*p.LogLevel)
	return l, true
}
