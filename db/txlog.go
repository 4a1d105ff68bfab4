package db

import (
	"bufio"
	"bytes"
	"time"

	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/vfs"
)

// logBufferSize is the size of the append buffer in front of the backing store.
const logBufferSize = 64 << 10

// txLog is the append-only record log. A file-backed log writes to path; an
// in-memory log writes to mem. Writer goroutine only.
type txLog struct {
	fs         vfs.FS
	path       string
	file       vfs.WritableFile
	mem        *bytes.Buffer
	w          *bufio.Writer
	durability Durability

	hdr       header
	hasHeader bool
	unflushed int
	// unsynced is set once flushed bytes reach the file and cleared by a
	// successful sync.
	unsynced bool

	// rewrite is the rewrite in flight, if any. Appends are mirrored into
	// its tail while it is set.
	rewrite *rewriteJob

	logger logging.Logger
	stats  Statistics
}

// openFileLog opens path for appending. Bytes past validSize belong to a
// torn record and are cut off first.
func openFileLog(fs vfs.FS, path string, loaded loadResult, durability Durability,
	logger logging.Logger, stats Statistics) (*txLog, error) {
	f, err := fs.OpenAppend(path)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if size > loaded.validSize {
		logger.Warnf("%sdiscarding %d bytes of torn record at offset %d", logging.NSTxLog, size-loaded.validSize, loaded.validSize)
		if err := f.Truncate(loaded.validSize); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	l := &txLog{
		fs:         fs,
		path:       path,
		file:       f,
		w:          bufio.NewWriterSize(f, logBufferSize),
		durability: durability,
		hdr:        loaded.hdr,
		hasHeader:  loaded.hasHeader,
		logger:     logger,
		stats:      stats,
	}
	if !l.hasHeader {
		l.hdr = newHeader(time.Now())
	}
	l.hdr.CompressedEntities = nil
	return l, nil
}

// newMemoryLog returns a log backed by a growable in-memory buffer.
func newMemoryLog(logger logging.Logger, stats Statistics) *txLog {
	mem := &bytes.Buffer{}
	return &txLog{
		mem:    mem,
		w:      bufio.NewWriterSize(mem, logBufferSize),
		hdr:    newHeader(time.Now()),
		logger: logger,
		stats:  stats,
	}
}

// append writes pre-encoded records. The header line goes first into an
// empty log.
func (l *txLog) append(records []byte) error {
	if !l.hasHeader {
		line, err := l.hdr.appendTo(nil)
		if err != nil {
			return err
		}
		if _, err := l.w.Write(line); err != nil {
			return err
		}
		l.unflushed += len(line)
		l.hasHeader = true
	}

	n, err := l.w.Write(records)
	l.unflushed += n
	if err != nil {
		return err
	}
	if l.rewrite != nil {
		l.rewrite.tail.Write(records)
	}

	if l.durability == FlushEachTransaction {
		return l.flush(true)
	}
	return nil
}

// endBatch pushes a drained batch according to the durability mode.
func (l *txLog) endBatch() error {
	switch l.durability {
	case FlushOnDelay:
		return l.flush(true)
	default:
		return l.flush(false)
	}
}

// flush empties the write buffer and, with sync set, syncs a file-backed
// log. A sync is skipped when nothing was written since the last one.
func (l *txLog) flush(sync bool) error {
	if l.unflushed > 0 {
		if err := l.w.Flush(); err != nil {
			return err
		}
		l.unflushed = 0
		l.unsynced = l.file != nil
		l.stats.RecordTick(TickerLogFlushes, 1)
	}
	if !sync || !l.unsynced || l.file == nil {
		return nil
	}

	start := time.Now()
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.unsynced = false
	l.stats.RecordTick(TickerLogSyncs, 1)
	l.stats.MeasureTime(HistogramSyncMicros, uint64(time.Since(start).Microseconds()))
	return nil
}

// close flushes, syncs and closes the backing file.
func (l *txLog) close() error {
	err := l.flush(true)
	if l.file != nil {
		if cerr := l.file.Close(); err == nil {
			err = cerr
		}
		l.file = nil
	}
	return err
}
