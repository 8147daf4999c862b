// Package wal implements the per-shard write-ahead log.
//
// Every batch the reconciler drains is appended before the snapshot that
// contains it is published. Records are length-prefixed and CRC32-C
// checked; recovery replays the valid prefix of the file and stops at the
// first torn or corrupt record. After a checkpoint has been recorded in
// the manifest the log is replaced by an empty one (Reset).
package wal
