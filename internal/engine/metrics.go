package engine

import "time"

// MetricsObserver receives engine events. Implementations must be safe for
// concurrent use; all shards of a store share one observer.
type MetricsObserver interface {
	// OnCycle is called after every reconciler cycle that applied entries.
	OnCycle(shard int, entries int, duration time.Duration)

	// OnFlush is called when a segment flush completes.
	OnFlush(shard int, duration time.Duration, records int, err error)

	// OnCompaction is called when a compaction completes.
	OnCompaction(shard int, duration time.Duration, inputSegments int, outputRecords int, err error)

	// OnDrop is called when the write log evicts an entry.
	OnDrop(shard int)

	// OnWALError is called when a WAL append fails.
	OnWALError(shard int, err error)

	// OnTransaction is called when a cross-shard transaction reaches a
	// terminal state.
	OnTransaction(state string, duration time.Duration)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnCycle(int, int, time.Duration)                  {}
func (NoopMetricsObserver) OnFlush(int, time.Duration, int, error)           {}
func (NoopMetricsObserver) OnCompaction(int, time.Duration, int, int, error) {}
func (NoopMetricsObserver) OnDrop(int)                                       {}
func (NoopMetricsObserver) OnWALError(int, error)                            {}
func (NoopMetricsObserver) OnTransaction(string, time.Duration)              {}
