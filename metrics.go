package sutra

import (
	"sync/atomic"
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/internal/engine"
)

// MetricsObserver receives reconciler, storage and transaction events from
// every shard. Implement it to integrate with monitoring systems; see the
// metrics package for a Prometheus implementation.
//
// Callbacks run on the reconciler goroutine of the reporting shard and must
// not block.
type MetricsObserver = engine.MetricsObserver

// NoopMetricsObserver discards every event.
type NoopMetricsObserver = engine.NoopMetricsObserver

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsObserver struct {
	Cycles             atomic.Int64
	EntriesProcessed   atomic.Int64
	CycleTotalNanos    atomic.Int64
	Flushes            atomic.Int64
	FlushErrors        atomic.Int64
	FlushedRecords     atomic.Int64
	Compactions        atomic.Int64
	CompactionErrors   atomic.Int64
	Drops              atomic.Int64
	WALErrors          atomic.Int64
	TransactionsDone   atomic.Int64
	TransactionsFailed atomic.Int64
}

var _ MetricsObserver = (*BasicMetricsObserver)(nil)

// OnCycle implements MetricsObserver.
func (b *BasicMetricsObserver) OnCycle(_ int, entries int, d time.Duration) {
	b.Cycles.Add(1)
	b.EntriesProcessed.Add(int64(entries))
	b.CycleTotalNanos.Add(d.Nanoseconds())
}

// OnFlush implements MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(_ int, _ time.Duration, records int, err error) {
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.Flushes.Add(1)
	b.FlushedRecords.Add(int64(records))
}

// OnCompaction implements MetricsObserver.
func (b *BasicMetricsObserver) OnCompaction(_ int, _ time.Duration, _, _ int, err error) {
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.Compactions.Add(1)
}

// OnDrop implements MetricsObserver.
func (b *BasicMetricsObserver) OnDrop(int) { b.Drops.Add(1) }

// OnWALError implements MetricsObserver.
func (b *BasicMetricsObserver) OnWALError(int, error) { b.WALErrors.Add(1) }

// OnTransaction implements MetricsObserver.
func (b *BasicMetricsObserver) OnTransaction(state string, _ time.Duration) {
	if state == "committed" {
		b.TransactionsDone.Add(1)
		return
	}
	b.TransactionsFailed.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	cycles := b.Cycles.Load()
	var avg int64
	if cycles > 0 {
		avg = b.CycleTotalNanos.Load() / cycles
	}
	return BasicMetricsStats{
		Cycles:             cycles,
		EntriesProcessed:   b.EntriesProcessed.Load(),
		CycleAvgNanos:      avg,
		Flushes:            b.Flushes.Load(),
		FlushErrors:        b.FlushErrors.Load(),
		FlushedRecords:     b.FlushedRecords.Load(),
		Compactions:        b.Compactions.Load(),
		CompactionErrors:   b.CompactionErrors.Load(),
		Drops:              b.Drops.Load(),
		WALErrors:          b.WALErrors.Load(),
		TransactionsDone:   b.TransactionsDone.Load(),
		TransactionsFailed: b.TransactionsFailed.Load(),
	}
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	Cycles             int64
	EntriesProcessed   int64
	CycleAvgNanos      int64
	Flushes            int64
	FlushErrors        int64
	FlushedRecords     int64
	Compactions        int64
	CompactionErrors   int64
	Drops              int64
	WALErrors          int64
	TransactionsDone   int64
	TransactionsFailed int64
}
