// Package fs provides the filesystem seam used by the WAL, segment and
// manifest writers, plus the atomic replace helper every durable metadata
// file goes through.
//
// [FaultyFS] wraps another [FileSystem] and fails writes, syncs, closes or
// renames on matching paths so tests can exercise durability error paths.
package fs
