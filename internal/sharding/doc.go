// Package sharding routes concepts to shards and coordinates cross-shard
// edges with two-phase commit.
//
// A cross-shard association is stored as two halves: the outgoing half on
// the source's shard and the incoming half on the target's shard. The
// Coordinator asks both shards to prepare, records the decision in a bbolt
// log, and then commits or aborts both halves. Unfinished transactions are
// re-driven when the coordinator is opened again.
package sharding
