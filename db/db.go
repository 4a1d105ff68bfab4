package db

// db.go implements Open, Close and the read and write entry points.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/prefixdb/internal/logging"
	"github.com/aalhour/prefixdb/internal/mempool"
	"github.com/aalhour/prefixdb/internal/record"
	"github.com/aalhour/prefixdb/internal/vfs"
)

// DB is an open store. It is safe for concurrent use by multiple goroutines.
type DB struct {
	path   string
	opts   Options
	fs     vfs.FS
	logger logging.Logger
	stats  Statistics

	table *record.Table
	enc   *record.Encoder
	store *entityStore

	// Nil for read-only stores.
	queue *txnQueue
	log   *txLog
	lock  io.Closer

	writerDone chan struct{}
	rewriteWG  sync.WaitGroup

	// Writer goroutine state.
	pendingRewrites []*rewriteTxn
	buf             []byte
	results         []txnResult

	closed atomic.Bool
	bgErr  atomic.Pointer[error]
}

// txnResult is the outcome of a transaction held until its batch is flushed.
type txnResult struct {
	txn      Transaction
	conflict *ConflictError
	err      error
}

// Open opens the store logged at path, creating the file on first write. An
// empty path opens a transient in-memory store. Nil opts uses
// DefaultOptions.
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.validate(path); err != nil {
		return nil, err
	}

	d := &DB{
		path:  path,
		opts:  *opts,
		fs:    opts.FS,
		stats: opts.Statistics,
		store: newEntityStore(),
	}
	if d.fs == nil {
		d.fs = vfs.Default()
	}
	if d.stats == nil {
		d.stats = NewStatistics()
	}
	if logging.IsNil(opts.Logger) {
		l := logging.NewDefaultLogger(logging.LevelWarn)
		l.SetFatalHandler(func(msg string) { d.setBackgroundError(errors.New(msg)) })
		d.logger = l
	} else {
		d.logger = opts.Logger
	}

	types := opts.Types
	if types == nil {
		types = record.NewRegistry()
	}
	d.table = types.Freeze()
	d.enc = record.NewEncoder(d.table)

	if err := d.open(); err != nil {
		if d.lock != nil {
			_ = d.lock.Close()
		}
		return nil, err
	}

	if !d.opts.ReadOnly {
		d.queue = newTxnQueue(d.opts.MaxPendingTransactions)
		d.writerDone = make(chan struct{})
		go d.writeLoop()
	}

	entities, dead := d.store.stats()
	d.logger.Infof("%sopened %q (read-only=%v, durability=%v): %d entities, %d dead",
		logging.NSDB, path, d.opts.ReadOnly, d.opts.Durability, entities, dead)
	return d, nil
}

func (d *DB) open() error {
	if d.path == "" {
		d.log = newMemoryLog(d.logger, d.stats)
		return nil
	}

	if !d.opts.ReadOnly {
		if err := d.fs.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
			return err
		}
		lock, err := d.fs.Lock(d.path + ".lock")
		if err != nil {
			return fmt.Errorf("db: lock %s: %w", d.path, err)
		}
		d.lock = lock
	}

	loaded, err := d.load()
	if err != nil {
		return fmt.Errorf("db: load %s: %w", d.path, err)
	}
	if d.opts.ReadOnly {
		return nil
	}

	d.log, err = openFileLog(d.fs, d.path, loaded, d.opts.Durability, d.logger, d.stats)
	return err
}

// Close stops intake, drains queued transactions, cancels a rewrite in
// flight, flushes and syncs the log and releases the file lock.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	var err error
	if d.queue != nil {
		d.queue.close()
		<-d.writerDone
		err = d.log.close()
	}
	if d.lock != nil {
		if lerr := d.lock.Close(); err == nil {
			err = lerr
		}
	}
	d.logger.Infof("%sclosed %q", logging.NSDB, d.path)
	return err
}

// Get returns the live entity stored under key.
func (d *DB) Get(key string) (Entity, bool) {
	e := d.store.get(key)
	return e, e != nil
}

// GetByPrefix returns the entities whose key starts with prefix. Tombstones
// are left out unless opts.IncludeDeleted is set.
func (d *DB) GetByPrefix(prefix string, opts ScanOptions) []Entity {
	return d.store.getByPrefix(prefix, opts)
}

// Save commits entities atomically. A stale version fails with a
// *ConflictError and nothing is applied. On success each entity's version
// is one more than submitted.
//
// If ctx ends first Save returns ctx.Err(), but the transaction may still
// commit.
func (d *DB) Save(ctx context.Context, entities ...Entity) error {
	if len(entities) == 0 {
		return nil
	}
	txn := NewTransaction(PolicyStrict, entities...)
	if err := d.Submit(ctx, txn); err != nil {
		return err
	}
	return txn.Wait(ctx)
}

// TrySave is Save reporting a conflict as false instead of an error.
func (d *DB) TrySave(ctx context.Context, entities ...Entity) (bool, error) {
	if len(entities) == 0 {
		return true, nil
	}
	txn := NewTransaction(PolicyLenient, entities...)
	if err := d.Submit(ctx, txn); err != nil {
		return false, err
	}
	if err := txn.Wait(ctx); err != nil {
		return false, err
	}
	return !txn.Failed(), nil
}

// Submit enqueues txn without waiting for it. It blocks only while a
// bounded queue is full. A transaction is accepted once; submitting it
// again fails with ErrTxnSubmitted.
func (d *DB) Submit(ctx context.Context, txn Transaction) error {
	if err := d.writable(); err != nil {
		return err
	}
	for i := range txn.Len() {
		if txn.At(i) == nil {
			return errors.New("db: nil entity in transaction")
		}
	}
	st := txn.state()
	if !st.submitted.CompareAndSwap(false, true) {
		return ErrTxnSubmitted
	}
	if err := d.queue.enqueue(ctx, txn); err != nil {
		st.submitted.Store(false)
		return err
	}
	return nil
}

// Barrier waits until every transaction submitted before it has been
// processed and flushed.
func (d *DB) Barrier(ctx context.Context) error {
	txn := NewTransaction(PolicyStrict)
	if err := d.Submit(ctx, txn); err != nil {
		return err
	}
	return txn.Wait(ctx)
}

// ForceMaintenance rewrites the log now and waits for the swap.
func (d *DB) ForceMaintenance(ctx context.Context) error {
	return d.runRewrite(ctx, nil)
}

// CreateBackupTo streams a consistent copy of the store to w. The live log
// is not touched.
func (d *DB) CreateBackupTo(ctx context.Context, w io.Writer) error {
	if w == nil {
		return errors.New("db: nil backup writer")
	}
	return d.runRewrite(ctx, w)
}

// CreateBackup writes a consistent copy of the store to path. The file
// appears atomically once complete and opens as an independent store.
func (d *DB) CreateBackup(ctx context.Context, path string) error {
	if d.path != "" && filepath.Clean(path) == filepath.Clean(d.path) {
		return fmt.Errorf("%w: backup path is the live log", ErrInvalidOptions)
	}
	if err := d.writable(); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	written := make(chan error, 1)
	go func() {
		err := d.fs.WriteFile(path, pr)
		_ = pr.CloseWithError(err)
		written <- err
	}()

	err := d.CreateBackupTo(ctx, pw)
	_ = pw.CloseWithError(err)
	if werr := <-written; err == nil {
		err = werr
	}
	return err
}

func (d *DB) runRewrite(ctx context.Context, dst io.Writer) error {
	if err := d.writable(); err != nil {
		return err
	}
	txn := &rewriteTxn{txnState: newTxnState(PolicyStrict), dst: dst}
	if err := d.queue.enqueue(ctx, txn); err != nil {
		return err
	}
	return txn.Wait(ctx)
}

// Stats returns the number of indexed entities and of dead entities
// accumulated since the last rewrite.
func (d *DB) Stats() (entities, dead int64) {
	return d.store.stats()
}

// Metrics summarizes the write path.
func (d *DB) Metrics() Metrics {
	return metricsFrom(d.stats)
}

// Statistics returns the statistics collector.
func (d *DB) Statistics() Statistics {
	return d.stats
}

func (d *DB) writable() error {
	if d.opts.ReadOnly {
		return ErrReadOnly
	}
	if d.closed.Load() {
		return ErrClosed
	}
	return d.backgroundError()
}

// backgroundError returns the error that stopped the writer, if any.
func (d *DB) backgroundError() error {
	if p := d.bgErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (d *DB) setBackgroundError(cause error) {
	err := fmt.Errorf("%w: %w", ErrBackgroundError, cause)
	d.bgErr.CompareAndSwap(nil, &err)
}

// fail stops the write path after an I/O error.
func (d *DB) fail(cause error) {
	d.setBackgroundError(cause)
	d.logger.Fatalf("%swrite path stopped: %v", logging.NSTxLog, cause)
}

// writeLoop is the single consumer of the transaction queue.
func (d *DB) writeLoop() {
	defer close(d.writerDone)

	var batch []Transaction
	for range d.queue.wake {
		if job := d.log.rewrite; job != nil && job.finished() {
			d.finishRewrite(job, false)
		}

		var closed bool
		batch, closed = d.queue.drain(batch[:0])
		if len(batch) > 0 {
			d.processBatch(batch)
			clear(batch)
		}
		if closed {
			d.shutdownRewrites()
			return
		}
	}
}

// processBatch applies a drained batch, flushes the log once and then
// completes the batch's transactions in order.
func (d *DB) processBatch(batch []Transaction) {
	results := d.results[:0]
	written := 0
	for _, txn := range batch {
		switch t := txn.(type) {
		case *rewriteTxn:
			d.queue.release(1)
			d.requestRewrite(t)
		case *barrierTxn:
			results = append(results, txnResult{txn: t})
		default:
			results = append(results, d.process(txn))
			written++
		}
	}

	// Barriers and rewrite requests carry no entities and are not counted.
	if written > 0 {
		d.stats.RecordTick(TickerQueueWaits, 1)
		d.stats.MeasureTime(HistogramBatchSize, uint64(written))
	}

	if d.backgroundError() == nil {
		if err := d.log.endBatch(); err != nil {
			d.fail(fmt.Errorf("flush: %w", err))
		}
	}

	bgErr := d.backgroundError()
	for _, r := range results {
		if bgErr != nil && r.err == nil && r.conflict == nil {
			r.err = bgErr
		}
		r.txn.state().complete(r.conflict, r.err)
		d.queue.release(1)
	}
	clear(results)
	d.results = results[:0]

	d.maybeRewrite()
	if cap(d.buf) > mempool.MaxRetainedBuffer {
		d.buf = nil
	}
}

// process validates, encodes, appends and applies one transaction.
func (d *DB) process(txn Transaction) txnResult {
	if err := d.backgroundError(); err != nil {
		return txnResult{txn: txn, err: err}
	}

	var encErr, ioErr error
	var prepared time.Time
	start := time.Now()
	conflict, err := d.store.processTransaction(txn, func() error {
		prepared = time.Now()
		d.buf, encErr = d.encodeTxn(d.buf[:0], txn)
		if encErr != nil {
			return encErr
		}
		d.stats.MeasureTime(HistogramSerializationNanos, uint64(time.Since(prepared).Nanoseconds()))
		ioErr = d.log.append(d.buf)
		return ioErr
	})
	if prepared.IsZero() {
		prepared = time.Now()
	}
	d.stats.MeasureTime(HistogramValidationNanos, uint64(prepared.Sub(start).Nanoseconds()))
	d.stats.RecordTick(TickerTransactions, 1)

	switch {
	case ioErr != nil:
		d.fail(fmt.Errorf("append: %w", ioErr))
		return txnResult{txn: txn, err: d.backgroundError()}
	case err != nil:
		return txnResult{txn: txn, err: err}
	case conflict != nil:
		d.stats.RecordTick(TickerConflicts, 1)
		return txnResult{txn: txn, conflict: conflict}
	}

	d.stats.RecordTick(TickerEntitiesWritten, uint64(txn.Len()))
	d.stats.RecordTick(TickerBytesSerialized, uint64(len(d.buf)))
	return txnResult{txn: txn}
}

// encodeTxn appends the records of every entity in txn.
func (d *DB) encodeTxn(dst []byte, txn Transaction) ([]byte, error) {
	for i := range txn.Len() {
		e := txn.At(i)
		if o, ok := e.(*Opaque); ok {
			return dst, fmt.Errorf("%w: %q has unregistered type %q", ErrUnknownType, o.Key(), o.Type())
		}
		var err error
		dst, err = d.enc.Append(dst, e.Key(), e)
		if err != nil {
			return dst, fmt.Errorf("db: encode %q: %w", e.Key(), err)
		}
	}
	return dst, nil
}

// encodeEntity appends the record for e. Opaque entities are written back
// unchanged.
func (d *DB) encodeEntity(dst []byte, e Entity) ([]byte, error) {
	if o, ok := e.(*Opaque); ok {
		return d.enc.Append(dst, o.key, o.raw)
	}
	return d.enc.Append(dst, e.Key(), e)
}
