// Package sutra provides an embedded, sharded graph store for continuously
// learning knowledge graphs.
//
// Sutra absorbs bursts of writes (learning) and bursts of reads (reasoning)
// without either slowing the other. Writers append to a bounded lock-free
// write log and return immediately; a reconciler per shard folds queued
// writes into immutable snapshots that readers load with a single atomic
// pointer read.
//
// # Quick Start
//
//	db, _ := sutra.Open("./data", sutra.WithShards(4), sutra.WithDimension(384))
//	defer db.Close()
//
//	seq, _ := db.LearnConcept(ctx, sutra.ConceptInput{
//	    ID:         id,
//	    Content:    []byte("hello"),
//	    Embedding:  vec,
//	    Strength:   1.0,
//	    Confidence: 0.9,
//	})
//	_ = db.WaitForSequence(ctx, id, seq) // read your own write
//	c, _ := db.QueryConcept(id)
//
// # Durability Model
//
// Every reconciled batch is appended to the shard WAL with a single fsync
// before it becomes visible, so recovered state never lags anything a
// reader has seen. Once the unflushed delta exceeds a threshold the shard
// writes a sealed segment, records it in the manifest and truncates the WAL.
// Segments are merged in the background; the newest record per key wins.
//
// When the write log is full the oldest pending write is dropped, except
// the halves of cross-shard edges, which are never dropped. Stats reports
// drops per shard.
//
// # Sharding
//
// Concepts are routed by murmur3 hash of their id. An edge whose endpoints
// live on different shards is committed with two-phase commit: both halves
// become visible, or neither does. Coordinator decisions are logged in a
// bbolt file so that commits interrupted by a crash complete on the next
// Open. Path finding never crosses shards and reports ErrNotSupported
// instead.
//
// # Vector Search
//
// With a dimension configured, each shard keeps an HNSW index that is saved
// at every flush and memory-mapped on Open without a rebuild pass.
//
// # On-disk Layout
//
//	<dir>/txlog.db            cross-shard transaction decisions
//	<dir>/shard-00/wal.log    write-ahead log
//	<dir>/shard-00/MANIFEST   live segment set and checkpoint
//	<dir>/shard-00/seg-NNNNNN.sst
//	<dir>/shard-00/vectors.hnsw
package sutra
