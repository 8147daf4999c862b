// Package resource shares limits between the shards of one database:
// a memory budget for unflushed snapshot data, a bounded number of
// concurrent background jobs (flush, compaction) and a token bucket for
// segment write bandwidth.
package resource
