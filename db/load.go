package db

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/record"
)

// loadResult describes the log file found on open.
type loadResult struct {
	hdr       header
	hasHeader bool
	// validSize is the offset just past the last complete line.
	validSize int64
	loaded    int
	skipped   int
}

// load replays the log file into the entity store: the header's compressed
// segments first, then every complete line in order. Malformed records are
// skipped; a trailing line without a newline is a torn append and is left
// out of validSize.
func (d *DB) load() (loadResult, error) {
	var res loadResult

	f, err := d.fs.Open(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !d.opts.ReadOnly {
			return res, nil
		}
		return res, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, logBufferSize)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				d.logger.Warnf("%signoring torn record of %d bytes at offset %d", logging.NSLoad, len(line), offset)
			}
			break
		}
		if err != nil {
			return res, err
		}
		offset += int64(len(line))

		if !res.hasHeader {
			hdr, err := parseHeader(line)
			if err != nil {
				return res, err
			}
			for i := range hdr.CompressedEntities {
				if err := d.replaySegment(&hdr.CompressedEntities[i], &res); err != nil {
					return res, fmt.Errorf("segment %d: %w", i, err)
				}
			}
			hdr.CompressedEntities = nil
			res.hdr, res.hasHeader = hdr, true
		} else {
			d.replayLine(line, &res)
		}
		res.validSize = offset
	}

	d.stats.RecordTick(TickerRecordsLoaded, uint64(res.loaded))
	d.stats.RecordTick(TickerRecordsSkipped, uint64(res.skipped))
	entities, dead := d.store.stats()
	d.logger.Infof("%sreplayed %d records (%d skipped) from %s: %d entities, %d dead",
		logging.NSLoad, res.loaded, res.skipped, d.path, entities, dead)
	return res, nil
}

func (d *DB) replaySegment(seg *segment, res *loadResult) error {
	records, err := seg.records()
	if err != nil {
		return err
	}
	n := 0
	for len(records) > 0 {
		i := bytes.IndexByte(records, '\n')
		if i < 0 {
			return fmt.Errorf("%w: unterminated record in segment", ErrCorruption)
		}
		d.replayLine(records[:i+1], res)
		records = records[i+1:]
		n++
	}
	if n != seg.Count {
		d.logger.Warnf("%ssegment holds %d records, header says %d", logging.NSLoad, n, seg.Count)
	}
	return nil
}

func (d *DB) replayLine(line []byte, res *loadResult) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	rec, err := d.table.Decode(line)
	if err != nil {
		res.skipped++
		d.logger.Debugf("%sskipping record: %v", logging.NSLoad, err)
		return
	}
	e := entityFromRecord(rec)
	if e == nil {
		res.skipped++
		d.logger.Warnf("%sskipping %q: type %q is not an entity for that key", logging.NSLoad, rec.Key, rec.Type)
		return
	}
	d.store.loadChange(e)
	res.loaded++
}

// entityFromRecord turns a decoded record into an Entity. Unregistered
// types come back as *Opaque.
func entityFromRecord(rec record.Decoded) Entity {
	switch v := rec.Value.(type) {
	case record.Raw:
		return newOpaque(rec.Key, v)
	case Entity:
		if v.Key() != rec.Key {
			return nil
		}
		return v
	default:
		return nil
	}
}
