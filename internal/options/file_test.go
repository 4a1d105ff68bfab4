package options

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/vfs"
)

func TestParseOptionsFile(t *testing.T) {
	input := `{
		// compaction
		"rewrite_ratio": 0.5,
		"rewrite_minimum": 1000,
		"durability": "FlushOnDelay",
		"rewrite_compression": "zstd", /* segments */
		"segment_size": 512,
		"log_level": "INFO",
	}`

	p, err := ParseOptionsFile(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseOptionsFile() error = %v", err)
	}

	if p.RewriteRatio == nil || *p.RewriteRatio != 0.5 {
		t.Errorf("RewriteRatio = %v, want 0.5", p.RewriteRatio)
	}
	if p.RewriteMinimum == nil || *p.RewriteMinimum != 1000 {
		t.Errorf("RewriteMinimum = %v, want 1000", p.RewriteMinimum)
	}
	if p.Durability == nil || *p.Durability != "FlushOnDelay" {
		t.Errorf("Durability = %v", p.Durability)
	}
	if p.SegmentSize == nil || *p.SegmentSize != 512 {
		t.Errorf("SegmentSize = %v", p.SegmentSize)
	}
	if p.ReadOnly != nil {
		t.Errorf("ReadOnly = %v, want unset", *p.ReadOnly)
	}
	if c, ok := p.Compression(); !ok || c != compression.ZstdCompression {
		t.Errorf("Compression() = %v, %v", c, ok)
	}
	if l, ok := p.Level(); !ok || l != logging.LevelInfo {
		t.Errorf("Level() = %v, %v", l, ok)
	}
}

func TestParseOptionsFile_Empty(t *testing.T) {
	p, err := ParseOptionsFile(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("ParseOptionsFile() error = %v", err)
	}
	if _, ok := p.Compression(); ok {
		t.Error("Compression() reported set for empty file")
	}
	if _, ok := p.Level(); ok {
		t.Error("Level() reported set for empty file")
	}
}

func TestParseOptionsFile_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"syntax", `{"rewrite_ratio": }`},
		{"unknown field", `{"write_buffer_size": 10}`},
		{"zero ratio", `{"rewrite_ratio": 0}`},
		{"negative minimum", `{"rewrite_minimum": -1}`},
		{"negative segment", `{"segment_size": -5}`},
		{"negative pending", `{"max_pending_transactions": -1}`},
		{"bad compression", `{"rewrite_compression": "brotli"}`},
		{"bad level", `{"log_level": "TRACE"}`},
		{"wrong type", `{"read_only": "yes"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptionsFile(strings.NewReader(tt.input))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("ParseOptionsFile(%s) error = %v, want ErrInvalid", tt.input, err)
			}
		})
	}
}

func TestReadOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefixdb.jsonc")
	if err := os.WriteFile(path, []byte(`{"read_only": true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := ReadOptionsFile(vfs.Default(), path)
	if err != nil {
		t.Fatalf("ReadOptionsFile() error = %v", err)
	}
	if p.ReadOnly == nil || !*p.ReadOnly {
		t.Errorf("ReadOnly = %v, want true", p.ReadOnly)
	}

	if _, err := ReadOptionsFile(vfs.Default(), path+".missing"); !os.IsNotExist(err) {
		t.Errorf("ReadOptionsFile(missing) error = %v", err)
	}
}
