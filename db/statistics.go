package db

// statistics.go implements the Statistics interface for collecting store metrics.

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// TickerType represents different types of counters.
type TickerType int

const (
	// TickerTransactions is the count of processed transactions.
	TickerTransactions TickerType = iota
	// TickerConflicts is the count of transactions rejected by validation.
	TickerConflicts
	// TickerEntitiesWritten is the count of entities appended to the log.
	TickerEntitiesWritten
	// TickerBytesSerialized is the total record bytes appended to the log.
	TickerBytesSerialized
	// TickerQueueWaits is the count of drained batches that held at least
	// one entity transaction.
	TickerQueueWaits
	// TickerLogFlushes is the count of write buffer flushes.
	TickerLogFlushes
	// TickerLogSyncs is the count of log file syncs.
	TickerLogSyncs
	// TickerRewrites is the count of completed log rewrites.
	TickerRewrites
	// TickerRewriteBytes is the total bytes written by rewrites and backups.
	TickerRewriteBytes
	// TickerBackups is the count of completed backups.
	TickerBackups
	// TickerRecordsLoaded is the count of records replayed on open.
	TickerRecordsLoaded
	// TickerRecordsSkipped is the count of malformed records skipped on open.
	TickerRecordsSkipped

	// TickerEnumMax is the maximum ticker type for sizing arrays.
	TickerEnumMax
)

var tickerNames = [TickerEnumMax]string{
	"prefixdb.transactions",
	"prefixdb.conflicts",
	"prefixdb.entities.written",
	"prefixdb.bytes.serialized",
	"prefixdb.queue.waits",
	"prefixdb.log.flushes",
	"prefixdb.log.syncs",
	"prefixdb.rewrites",
	"prefixdb.rewrite.bytes",
	"prefixdb.backups",
	"prefixdb.records.loaded",
	"prefixdb.records.skipped",
}

// String returns the name of the ticker type.
func (t TickerType) String() string {
	if t >= 0 && t < TickerEnumMax {
		return tickerNames[t]
	}
	return "unknown"
}

// HistogramType represents different types of histograms.
type HistogramType int

const (
	// HistogramValidationNanos is the histogram for per-transaction validation time.
	HistogramValidationNanos HistogramType = iota
	// HistogramSerializationNanos is the histogram for per-transaction serialization time.
	HistogramSerializationNanos
	// HistogramBatchSize is the histogram for transactions per drained batch.
	HistogramBatchSize
	// HistogramSyncMicros is the histogram for log sync time.
	HistogramSyncMicros
	// HistogramRewriteMicros is the histogram for rewrite duration.
	HistogramRewriteMicros

	// HistogramEnumMax is the maximum histogram type for sizing arrays.
	HistogramEnumMax
)

var histogramNames = [HistogramEnumMax]string{
	"prefixdb.validation.nanos",
	"prefixdb.serialization.nanos",
	"prefixdb.batch.size",
	"prefixdb.log.sync.micros",
	"prefixdb.rewrite.micros",
}

// String returns the name of the histogram type.
func (h HistogramType) String() string {
	if h >= 0 && h < HistogramEnumMax {
		return histogramNames[h]
	}
	return "unknown"
}

// HistogramData contains histogram statistics.
type HistogramData struct {
	Average float64
	Max     float64
	Min     float64
	Count   uint64
	Sum     uint64
}

// Statistics collects and reports store metrics.
type Statistics interface {
	// GetTickerCount returns the current value of a ticker.
	GetTickerCount(tickerType TickerType) uint64

	// RecordTick increments a ticker by count.
	RecordTick(tickerType TickerType, count uint64)

	// GetHistogramData returns histogram statistics.
	GetHistogramData(histogramType HistogramType) HistogramData

	// MeasureTime records a value to a histogram.
	MeasureTime(histogramType HistogramType, value uint64)

	// Reset clears all statistics.
	Reset()

	// String returns a formatted string of all statistics.
	String() string
}

// statisticsImpl is the default implementation of Statistics.
type statisticsImpl struct {
	tickers    [TickerEnumMax]atomic.Uint64
	histograms [HistogramEnumMax]atomic.Pointer[histogramImpl]
}

// histogramImpl is a simple histogram implementation.
type histogramImpl struct {
	min   atomic.Uint64
	max   atomic.Uint64
	sum   atomic.Uint64
	count atomic.Uint64
}

func newHistogram() *histogramImpl {
	h := &histogramImpl{}
	h.min.Store(^uint64(0))
	return h
}

// NewStatistics creates a new Statistics instance.
func NewStatistics() Statistics {
	s := &statisticsImpl{}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
	return s
}

// GetTickerCount returns the current value of a ticker.
func (s *statisticsImpl) GetTickerCount(tickerType TickerType) uint64 {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return 0
	}
	return s.tickers[tickerType].Load()
}

// RecordTick increments a ticker by count.
func (s *statisticsImpl) RecordTick(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Add(count)
}

// GetHistogramData returns histogram statistics.
func (s *statisticsImpl) GetHistogramData(histogramType HistogramType) HistogramData {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return HistogramData{}
	}

	h := s.histograms[histogramType].Load()
	count := h.count.Load()
	if count == 0 {
		return HistogramData{}
	}

	sum := h.sum.Load()
	return HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     float64(h.min.Load()),
		Max:     float64(h.max.Load()),
		Average: float64(sum) / float64(count),
	}
}

// MeasureTime records a value to a histogram.
func (s *statisticsImpl) MeasureTime(histogramType HistogramType, value uint64) {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return
	}

	h := s.histograms[histogramType].Load()
	h.count.Add(1)
	h.sum.Add(value)

	for {
		old := h.min.Load()
		if value >= old || h.min.CompareAndSwap(old, value) {
			break
		}
	}
	for {
		old := h.max.Load()
		if value <= old || h.max.CompareAndSwap(old, value) {
			break
		}
	}
}

// Reset clears all statistics.
func (s *statisticsImpl) Reset() {
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
}

// String returns a formatted string of all statistics.
func (s *statisticsImpl) String() string {
	var b strings.Builder

	b.WriteString("TICKERS:\n")
	for i := range TickerEnumMax {
		if count := s.GetTickerCount(i); count > 0 {
			fmt.Fprintf(&b, "  %s : %d\n", i, count)
		}
	}

	b.WriteString("\nHISTOGRAMS:\n")
	for i := range HistogramEnumMax {
		data := s.GetHistogramData(i)
		if data.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s :\n", i)
		fmt.Fprintf(&b, "    Count: %d\n", data.Count)
		fmt.Fprintf(&b, "    Avg: %.2f\n", data.Average)
		fmt.Fprintf(&b, "    Min: %.2f\n", data.Min)
		fmt.Fprintf(&b, "    Max: %.2f\n", data.Max)
	}

	return b.String()
}

// Metrics is a point-in-time summary of the write path.
type Metrics struct {
	Transactions         uint64
	Conflicts            uint64
	AvgValidationTime    time.Duration
	AvgSerializationTime time.Duration
	BytesSerialized      uint64
	AvgBatchLength       float64
	Flushes              uint64
	Syncs                uint64
	Rewrites             uint64
}

func metricsFrom(s Statistics) Metrics {
	m := Metrics{
		Transactions:    s.GetTickerCount(TickerTransactions),
		Conflicts:       s.GetTickerCount(TickerConflicts),
		BytesSerialized: s.GetTickerCount(TickerBytesSerialized),
		Flushes:         s.GetTickerCount(TickerLogFlushes),
		Syncs:           s.GetTickerCount(TickerLogSyncs),
		Rewrites:        s.GetTickerCount(TickerRewrites),
	}
	if h := s.GetHistogramData(HistogramValidationNanos); h.Count > 0 {
		m.AvgValidationTime = time.Duration(h.Average)
	}
	if h := s.GetHistogramData(HistogramSerializationNanos); h.Count > 0 {
		m.AvgSerializationTime = time.Duration(h.Average)
	}
	if waits := s.GetTickerCount(TickerQueueWaits); waits > 0 {
		m.AvgBatchLength = float64(m.Transactions) / float64(waits)
	}
	return m
}
