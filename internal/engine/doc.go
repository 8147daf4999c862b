// Package engine implements one shard of the graph store.
//
// An Engine owns a write log that producers append to without blocking, a
// single reconciler goroutine that turns accepted writes into published
// snapshots, the shard's WAL, its sealed segments with their manifest, and
// the shard's vector index.
//
// Each reconciler cycle drains a batch, appends it to the WAL with one
// fsync, builds and publishes the next snapshot, and then updates the vector
// index. Once the unflushed delta grows past the flush threshold the dirty
// keys are written to a new sealed segment, the manifest records the
// checkpoint, the vector index is saved, and the WAL is reset. Compaction
// merges segments in the background.
//
// Open recovers a shard from its manifest, segments, vector index file and
// the WAL tail above the checkpoint.
package engine
