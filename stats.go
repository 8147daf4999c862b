package sutra

import (
	"time"

	"github.com/nranjan2code/sutra-engine-sub008/internal/engine"
	"github.com/nranjan2code/sutra-engine-sub008/internal/sharding"
)

// ShardStats is a point-in-time view of one shard.
type ShardStats = engine.Stats

// TransactionStats counts cross-shard commit outcomes since Open.
type TransactionStats = sharding.Stats

// Stats aggregates every shard. Totals are sums over Shards; Health is the
// worst shard score.
type Stats struct {
	Shards []ShardStats

	Written  uint64
	Dropped  uint64
	Pending  uint64
	Capacity uint64

	Cycles      uint64
	Processed   uint64
	Flushes     uint64
	Compactions uint64
	WALErrors   uint64

	Concepts       int
	Edges          int
	Vectors        int
	DeletedVectors int
	// IndexesLoaded counts shards whose vector index was mapped from disk
	// without a rebuild pass.
	IndexesLoaded int

	Health         float64
	Recommendation string

	Transactions TransactionStats
	CollectedAt  time.Time
}

// Stats collects counters from every shard. It never blocks on a reconciler.
func (db *DB) Stats() Stats {
	st := Stats{
		Shards:         make([]ShardStats, len(db.shards)),
		Health:         1,
		Recommendation: "healthy",
		Transactions:   db.coord.Stats(),
		CollectedAt:    time.Now(),
	}
	for i, e := range db.shards {
		s := e.Stats()
		st.Shards[i] = s

		st.Written += s.WriteLog.Written
		st.Dropped += s.WriteLog.Dropped
		st.Pending += s.WriteLog.Pending
		st.Capacity += s.WriteLog.Capacity

		st.Cycles += s.Reconciler.Cycles
		st.Processed += s.Reconciler.Processed
		st.Flushes += s.Reconciler.Flushes
		st.Compactions += s.Reconciler.Compactions
		st.WALErrors += s.Reconciler.WALErrors

		st.Concepts += s.Snapshot.Concepts
		st.Edges += s.Snapshot.Edges
		st.Vectors += s.Index.Vectors
		st.DeletedVectors += s.Index.Deleted
		if s.Index.Loaded && !s.Index.Rebuilt {
			st.IndexesLoaded++
		}

		if s.Reconciler.Health < st.Health {
			st.Health = s.Reconciler.Health
			st.Recommendation = s.Reconciler.Recommendation
		}
	}
	return st
}
