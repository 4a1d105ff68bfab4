package db

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/aalhour/prefixdb/internal/record"
	"github.com/aalhour/prefixdb/internal/vfs"
)

// LogInfo summarizes a log file read by InspectLog.
type LogInfo struct {
	Creation    time.Time
	LastRewrite time.Time
	Segments    []SegmentInfo
	// Records counts decodable records, in segments and appended lines.
	Records int
	// Malformed counts lines that did not decode.
	Malformed int
	// TornBytes is the length of a trailing line without a newline.
	TornBytes int
	// Size is the number of bytes read, torn tail included.
	Size int64
}

// SegmentInfo describes one compressed segment of the header.
type SegmentInfo struct {
	Compression    string
	Count          int
	Checksum       uint64
	CompressedSize int
	// Err is set when the segment fails its checksum or does not decompress.
	Err error
}

// LogRecord is one record visited by InspectLog.
type LogRecord struct {
	// Segment is the header segment holding the record, or -1 for an
	// appended line.
	Segment int
	// Line is the 1-based line number in the file, or the 1-based position
	// inside the segment.
	Line  int
	Key   string
	Type  string
	Value []byte
	// Err is set for a malformed line; Raw then holds its bytes.
	Err error
	Raw []byte
}

// InspectLog reads the log file at path without opening a store and calls
// fn for every record in replay order. No types are needed: values are
// reported as their JSON bytes. A nil fs uses the OS filesystem. A bad
// segment is reported in LogInfo and skipped; an unreadable header is
// ErrCorruption. An error from fn stops the walk and is returned.
func InspectLog(fs vfs.FS, path string, fn func(LogRecord) error) (LogInfo, error) {
	var info LogInfo
	if fs == nil {
		fs = vfs.Default()
	}
	f, err := fs.Open(path)
	if err != nil {
		return info, err
	}
	defer func() { _ = f.Close() }()

	table := record.NewRegistry().Freeze()
	visit := func(rec LogRecord, line []byte) error {
		if len(bytes.TrimSpace(line)) == 0 {
			return nil
		}
		dec, err := table.Decode(line)
		if err != nil {
			info.Malformed++
			rec.Err, rec.Raw = err, bytes.TrimRight(line, "\n")
		} else {
			info.Records++
			rec.Key, rec.Type = dec.Key, dec.Type
			if raw, ok := dec.Value.(record.Raw); ok {
				rec.Value = raw.Data
			}
		}
		if fn == nil {
			return nil
		}
		return fn(rec)
	}

	r := bufio.NewReaderSize(f, logBufferSize)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		info.Size += int64(len(line))
		if err == io.EOF {
			info.TornBytes = len(line)
			break
		}
		if err != nil {
			return info, err
		}

		if lineNo > 1 {
			if err := visit(LogRecord{Segment: -1, Line: lineNo}, line); err != nil {
				return info, err
			}
			continue
		}

		hdr, err := parseHeader(line)
		if err != nil {
			return info, err
		}
		info.Creation, info.LastRewrite = hdr.Creation, hdr.LastRewrite
		for i := range hdr.CompressedEntities {
			seg := &hdr.CompressedEntities[i]
			si := SegmentInfo{
				Compression:    seg.Compression,
				Count:          seg.Count,
				Checksum:       seg.Checksum,
				CompressedSize: len(seg.Data),
			}
			records, err := seg.records()
			if err != nil {
				si.Err = err
				info.Segments = append(info.Segments, si)
				continue
			}
			info.Segments = append(info.Segments, si)
			for n := 1; len(records) > 0; n++ {
				end := bytes.IndexByte(records, '\n')
				if end < 0 {
					info.Segments[i].Err = fmt.Errorf("%w: unterminated record in segment", ErrCorruption)
					break
				}
				if err := visit(LogRecord{Segment: i, Line: n}, records[:end+1]); err != nil {
					return info, err
				}
				records = records[end+1:]
			}
		}
	}
	return info, nil
}
