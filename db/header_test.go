package db

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/google/go-cmp/cmp"
)

func TestHeader_RoundTrip(t *testing.T) {
	hdr := newHeader(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	seg, err := newSegment(compression.SnappyCompression, []byte("r1\nr2\n"), 2)
	if err != nil {
		t.Fatal(err)
	}
	hdr.CompressedEntities = []segment{seg}

	line, err := hdr.appendTo([]byte("prefix:"))
	if err != nil {
		t.Fatalf("appendTo() error = %v", err)
	}
	if !bytes.HasPrefix(line, []byte("prefix:")) || line[len(line)-1] != '\n' {
		t.Fatalf("appendTo() = %q", line)
	}
	if bytes.Count(line, []byte("\n")) != 1 {
		t.Errorf("header spans several lines: %q", line)
	}

	got, err := parseHeader(line[len("prefix:"):])
	if err != nil {
		t.Fatalf("parseHeader() error = %v", err)
	}
	if diff := cmp.Diff(hdr, got); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestSegment_Records(t *testing.T) {
	records := bytes.Repeat([]byte(`{"key":"k","$type":"doc","val":{}}`+"\n"), 100)

	for _, ct := range []compression.Type{
		compression.SnappyCompression,
		compression.ZlibCompression,
		compression.LZ4Compression,
		compression.ZstdCompression,
	} {
		t.Run(ct.String(), func(t *testing.T) {
			seg, err := newSegment(ct, records, 100)
			if err != nil {
				t.Fatalf("newSegment() error = %v", err)
			}
			if seg.Compression != ct.String() || seg.Count != 100 {
				t.Errorf("segment = %s/%d", seg.Compression, seg.Count)
			}
			if len(seg.Data) >= len(records) {
				t.Errorf("compressed %d bytes into %d", len(records), len(seg.Data))
			}

			got, err := seg.records()
			if err != nil {
				t.Fatalf("records() error = %v", err)
			}
			if !bytes.Equal(got, records) {
				t.Error("records() does not return the original bytes")
			}

			seg.Data[len(seg.Data)/2] ^= 0xff
			if _, err := seg.records(); !errors.Is(err, ErrCorruption) {
				t.Errorf("records() on damaged data error = %v, want ErrCorruption", err)
			}
		})
	}
}
