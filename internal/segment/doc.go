// Package segment implements sealed, immutable segment files.
//
// A segment stores a delta of one shard's graph: fixed-size concept and
// association records (with tombstone flags and sequences) plus
// variable-length vector and content sections. A Writer accumulates the
// four sections independently and only writes the header, with the final
// section offsets and a checksum, when the segment is sealed; the file is
// then fsynced and renamed into place. A segment that was never sealed has
// a zero header and is rejected by Open.
//
// File layout:
//
//	[header 128B][concept records][association records][vectors][content]
package segment
