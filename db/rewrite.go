package db

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/aalhour/prefixdb/internal/compression"
	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/mempool"
	"github.com/aalhour/prefixdb/internal/vfs"
	"github.com/google/uuid"
)

// rewriteCheckInterval is how many entities are written between
// cancellation checks.
const rewriteCheckInterval = 256

// rewriteJob is one rewrite or backup in flight.
//
// The writer goroutine creates the job, takes the snapshot and starts tail
// capture at the same point between two transactions. The serializer
// goroutine only reads the snapshot and writes out. Once done is closed the
// writer goroutine owns the job again and completes it.
type rewriteJob struct {
	backup bool

	// out receives the snapshot: the caller's writer for a backup, a temp
	// file or a fresh buffer for a compaction.
	out     io.Writer
	tmpPath string
	tmp     vfs.WritableFile
	mem     *bytes.Buffer

	snapshot []Entity
	hdr      header
	tail     bytes.Buffer

	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	written int64
	err     error

	waiters []*rewriteTxn
}

// finished reports whether the serializer goroutine has returned.
func (j *rewriteJob) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// requestRewrite handles a rewrite transaction. Compaction requests join a
// compaction already in flight; anything else waits its turn.
func (d *DB) requestRewrite(t *rewriteTxn) {
	if err := d.backgroundError(); err != nil {
		t.complete(nil, err)
		return
	}

	job := d.log.rewrite
	switch {
	case job == nil:
		if err := d.startRewrite(t.dst, t); err != nil {
			t.complete(nil, err)
		}
	case !job.backup && !t.backup():
		job.waiters = append(job.waiters, t)
	default:
		d.pendingRewrites = append(d.pendingRewrites, t)
	}
}

// maybeRewrite starts a compaction when dead entities outweigh live ones.
func (d *DB) maybeRewrite() {
	if d.log.rewrite != nil || d.backgroundError() != nil {
		return
	}
	entities, dead := d.store.stats()
	if entities <= d.opts.RewriteMinimum || float64(dead)/float64(entities) <= d.opts.RewriteRatio {
		return
	}
	d.logger.Infof("%sstarting rewrite: %d entities, %d dead", logging.NSRewrite, entities, dead)
	if err := d.startRewrite(nil, nil); err != nil {
		d.logger.Errorf("%scould not start rewrite: %v", logging.NSRewrite, err)
	}
}

// startRewrite snapshots the index and launches the serializer. A nil dst
// compacts the live log. Writer goroutine only.
func (d *DB) startRewrite(dst io.Writer, waiter *rewriteTxn) error {
	job := &rewriteJob{
		backup:  dst != nil,
		out:     dst,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	if waiter != nil {
		job.waiters = append(job.waiters, waiter)
	}

	if !job.backup {
		if d.log.path != "" {
			job.tmpPath = vfs.TempName(d.log.path, uuid.NewString())
			f, err := d.fs.Create(job.tmpPath)
			if err != nil {
				return fmt.Errorf("db: create rewrite file: %w", err)
			}
			job.tmp, job.out = f, f
		} else {
			job.mem = &bytes.Buffer{}
			job.out = job.mem
		}
		d.store.resetDead()
	}

	job.hdr = header{Creation: d.log.hdr.Creation, LastRewrite: job.started.UTC()}
	job.snapshot = d.store.snapshot()
	d.log.rewrite = job

	ctx, cancel := context.WithCancel(context.Background())
	job.cancel = cancel
	d.rewriteWG.Add(1)
	go func() {
		defer d.rewriteWG.Done()
		job.err = d.serialize(ctx, job)
		close(job.done)
		d.queue.signal()
	}()
	return nil
}

// serialize writes the header and every snapshot entity to job.out.
func (d *DB) serialize(ctx context.Context, job *rewriteJob) error {
	w := bufio.NewWriterSize(job.out, logBufferSize)
	cw := &countingWriter{w: w}

	bufp := mempool.GlobalBuffers.Get()
	defer mempool.GlobalBuffers.Put(bufp)

	var err error
	if d.opts.RewriteCompression != compression.NoCompression {
		err = d.serializeSegments(ctx, job, cw, bufp)
	} else {
		err = d.serializeLines(ctx, job, cw, bufp)
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil && job.tmp != nil {
		err = job.tmp.Sync()
	}
	if job.tmp != nil {
		if cerr := job.tmp.Close(); err == nil {
			err = cerr
		}
	}
	job.written = cw.n
	return err
}

func (d *DB) serializeLines(ctx context.Context, job *rewriteJob, w io.Writer, bufp *[]byte) error {
	line, err := job.hdr.appendTo((*bufp)[:0])
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return err
	}

	for i, e := range job.snapshot {
		if i%rewriteCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		*bufp, err = d.encodeEntity((*bufp)[:0], e)
		if err != nil {
			return fmt.Errorf("db: encode %q: %w", e.Key(), err)
		}
		if _, err := w.Write(*bufp); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) serializeSegments(ctx context.Context, job *rewriteJob, w io.Writer, bufp *[]byte) error {
	size := d.opts.SegmentSize
	for start := 0; start < len(job.snapshot); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(job.snapshot))

		records := (*bufp)[:0]
		var err error
		for _, e := range job.snapshot[start:end] {
			records, err = d.encodeEntity(records, e)
			if err != nil {
				return fmt.Errorf("db: encode %q: %w", e.Key(), err)
			}
		}
		*bufp = records

		seg, err := newSegment(d.opts.RewriteCompression, records, end-start)
		if err != nil {
			return err
		}
		job.hdr.CompressedEntities = append(job.hdr.CompressedEntities, seg)
	}

	line, err := job.hdr.appendTo((*bufp)[:0])
	if err != nil {
		return err
	}
	*bufp = line
	_, err = w.Write(line)
	return err
}

// finishRewrite completes a rewrite whose serializer has returned: a
// compaction swaps the live log, a backup receives the tail. Writer
// goroutine only, between transactions.
func (d *DB) finishRewrite(job *rewriteJob, closing bool) {
	d.log.rewrite = nil
	job.cancel()

	err := job.err
	if err == nil {
		if job.backup {
			_, err = job.out.Write(job.tail.Bytes())
		} else {
			err = d.swap(job)
		}
	}

	switch {
	case err == nil:
		elapsed := time.Since(job.started)
		d.stats.RecordTick(TickerRewriteBytes, uint64(job.written)+uint64(job.tail.Len()))
		d.stats.MeasureTime(HistogramRewriteMicros, uint64(elapsed.Microseconds()))
		if job.backup {
			d.stats.RecordTick(TickerBackups, 1)
			d.logger.Infof("%sbackup written: %d entities, %d tail bytes in %v",
				logging.NSBackup, len(job.snapshot), job.tail.Len(), elapsed)
		} else {
			d.stats.RecordTick(TickerRewrites, 1)
			d.logger.Infof("%srewrite finished: %d entities, %d tail bytes in %v",
				logging.NSRewrite, len(job.snapshot), job.tail.Len(), elapsed)
		}
	case closing && errors.Is(err, context.Canceled):
		err = ErrClosed
	default:
		d.logger.Errorf("%srewrite failed: %v", logging.NSRewrite, err)
	}

	if err != nil && job.tmpPath != "" && d.fs.Exists(job.tmpPath) {
		if rerr := d.fs.Remove(job.tmpPath); rerr != nil {
			d.logger.Warnf("%scould not remove %s: %v", logging.NSRewrite, job.tmpPath, rerr)
		}
	}

	for _, t := range job.waiters {
		t.complete(nil, err)
	}
	job.snapshot = nil

	if closing {
		return
	}
	for d.log.rewrite == nil && len(d.pendingRewrites) > 0 {
		next := d.pendingRewrites[0]
		d.pendingRewrites = d.pendingRewrites[1:]
		d.requestRewrite(next)
	}
}

// swap replaces the live log with the rewritten one and appends the tail.
func (d *DB) swap(job *rewriteJob) error {
	l := d.log
	if err := l.flush(false); err != nil {
		d.fail(fmt.Errorf("flush before swap: %w", err))
		return d.backgroundError()
	}

	if l.mem != nil {
		l.mem = job.mem
		l.w.Reset(l.mem)
	} else {
		if err := d.fs.ReplaceFile(job.tmpPath, l.path); err != nil {
			return fmt.Errorf("db: replace log: %w", err)
		}
		if err := d.fs.SyncDir(filepath.Dir(l.path)); err != nil {
			d.logger.Warnf("%ssync dir after swap: %v", logging.NSRewrite, err)
		}

		_ = l.file.Close()
		f, err := d.fs.OpenAppend(l.path)
		if err != nil {
			d.fail(fmt.Errorf("reopen log after swap: %w", err))
			return d.backgroundError()
		}
		l.file = f
		l.w.Reset(f)
		// The rewritten file was synced before the rename.
		l.unsynced = false
	}

	l.hdr = job.hdr
	l.hdr.CompressedEntities = nil
	l.hasHeader = true

	if job.tail.Len() > 0 {
		n, err := l.w.Write(job.tail.Bytes())
		l.unflushed += n
		if err == nil {
			err = l.flush(l.file != nil && l.durability != FileSystemCache)
		}
		if err != nil {
			d.fail(fmt.Errorf("append tail after swap: %w", err))
			return d.backgroundError()
		}
	}
	return nil
}

// shutdownRewrites cancels the rewrite in flight and fails queued requests.
// Writer goroutine only, on exit.
func (d *DB) shutdownRewrites() {
	if job := d.log.rewrite; job != nil {
		job.cancel()
		<-job.done
		d.finishRewrite(job, true)
	}
	for _, t := range d.pendingRewrites {
		t.complete(nil, ErrClosed)
	}
	d.pendingRewrites = nil
	d.rewriteWG.Wait()
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
