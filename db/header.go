package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aalhour/prefixdb/internal/checksum"
	"github.com/aalhour/prefixdb/internal/compression"
)

// header is the first line of a log file.
type header struct {
	Creation           time.Time `json:"Creation"`
	LastRewrite        time.Time `json:"LastRewrite"`
	CompressedEntities []segment `json:"CompressedEntities,omitempty"`
}

// segment is a compressed run of newline-terminated records. Data is
// base64 in the header line.
type segment struct {
	Compression string `json:"Compression"`
	Count       int    `json:"Count"`
	Checksum    uint64 `json:"Checksum"`
	Data        []byte `json:"Data"`
}

func newHeader(now time.Time) header {
	now = now.UTC()
	return header{Creation: now, LastRewrite: now}
}

// appendTo appends the header line, newline included.
func (h *header) appendTo(dst []byte) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return dst, err
	}
	dst = append(dst, b...)
	return append(dst, '\n'), nil
}

// parseHeader decodes a header line.
func parseHeader(line []byte) (header, error) {
	var h header
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&h); err != nil {
		return h, fmt.Errorf("%w: header: %v", ErrCorruption, err)
	}
	return h, nil
}

// newSegment compresses records, which holds count complete record lines.
// The checksum covers the compressed bytes.
func newSegment(t compression.Type, records []byte, count int) (segment, error) {
	data, err := compression.Compress(t, records)
	if err != nil {
		return segment{}, err
	}
	return segment{
		Compression: t.String(),
		Count:       count,
		Checksum:    checksum.Sum64(data),
		Data:        data,
	}, nil
}

// records decompresses the segment and verifies its checksum.
func (s *segment) records() ([]byte, error) {
	t, err := compression.Parse(s.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: segment: %v", ErrCorruption, err)
	}
	if err := checksum.Verify(s.Data, s.Checksum); err != nil {
		return nil, fmt.Errorf("%w: segment: %v", ErrCorruption, err)
	}
	data, err := compression.Decompress(t, s.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: segment: %v", ErrCorruption, err)
	}
	return data, nil
}
