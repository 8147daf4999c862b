// Package manifest persists the durable state of one shard: the live
// segment set, the next segment id and the checkpoint sequence up to which
// the segments cover the write-ahead log.
//
// # Binary Format
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - "SMAN"
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32-C of payload
//	  Length   (4 bytes) - Payload length in bytes
//
//	Payload:
//	  Shard         (4 bytes)
//	  Dim           (4 bytes)
//	  NextSegmentID (8 bytes)
//	  Checkpoint    (8 bytes) - highest sequence covered by segments
//	  CheckpointTS  (8 bytes) - Unix nanoseconds of that sequence
//	  NumSegments   (4 bytes)
//	  Segments[]             - id, size, counts, sequence range, name
//
// # Atomic Protocol
//
// Save writes MANIFEST.tmp, fsyncs it, renames it over MANIFEST and fsyncs
// the directory. A crash leaves either the previous or the new manifest.
// Segments that exist on disk but are not listed are orphans of an
// interrupted flush or compaction and are removed on open.
package manifest
