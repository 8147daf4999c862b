package engine

import (
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/internal/vectorindex"
	"github.com/nranjan2code/sutra-engine-sub008/internal/writelog"
)

// ReconcilerStats describes the reconciler loop of one shard.
type ReconcilerStats struct {
	Cycles         uint64
	Processed      uint64
	Flushes        uint64
	Compactions    uint64
	WALErrors      uint64
	LastWALError   string
	Interval       time.Duration
	Utilization    float64
	Throughput     float64
	Health         float64
	Recommendation string
}

// SnapshotStats describes the published snapshot.
type SnapshotStats struct {
	Concepts  int
	Edges     int
	Sequence  uint64
	Timestamp time.Time
}

// StorageStats describes the durable files of a shard.
type StorageStats struct {
	Segments       int
	SegmentBytes   int64
	Checkpoint     uint64
	WALBytes       int64
	UnflushedBytes int64
}

// Stats is a point-in-time view of one shard.
type Stats struct {
	Shard        int
	WriteLog     writelog.Stats
	Reconciler   ReconcilerStats
	Snapshot     SnapshotStats
	Index        vectorindex.Stats
	Storage      StorageStats
	Reservations int
}

// Stats collects the shard counters. It never blocks on the reconciler.
func (e *Engine) Stats() Stats {
	snap := e.cell.Load()
	health, rec := e.tuner.Health()

	st := Stats{
		Shard:    e.shard,
		WriteLog: e.log.Stats(),
		Reconciler: ReconcilerStats{
			Cycles:         e.cycles.Load(),
			Processed:      e.processed.Load(),
			Flushes:        e.flushes.Load(),
			Compactions:    e.compactions.Load(),
			WALErrors:      e.walErrors.Load(),
			Interval:       e.tuner.Interval(),
			Utilization:    e.tuner.Utilization(),
			Throughput:     e.tuner.Throughput(),
			Health:         health,
			Recommendation: rec,
		},
		Snapshot: SnapshotStats{
			Concepts:  snap.ConceptCount(),
			Edges:     snap.EdgeCount(),
			Sequence:  snap.Sequence(),
			Timestamp: snap.Timestamp(),
		},
		Reservations: e.Reservations(),
	}
	if msg := e.lastWALErr.Load(); msg != nil {
		st.Reconciler.LastWALError = *msg
	}
	if e.index != nil {
		st.Index = e.index.Stats()
	}

	e.mu.Lock()
	st.Storage.Segments = len(e.manifest.Segments)
	for _, s := range e.manifest.Segments {
		st.Storage.SegmentBytes += s.Size
	}
	st.Storage.Checkpoint = e.manifest.Checkpoint
	e.mu.Unlock()
	st.Storage.WALBytes = e.wal.Size()
	st.Storage.UnflushedBytes = e.unflushed.Load()
	return st
}
