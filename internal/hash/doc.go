// Package hash provides the CRC32-Castagnoli checksums used by every
// on-disk structure: WAL records, segment headers, the manifest and the
// persisted vector index.
//
//	sum := hash.CRC32C(data)
//
//	h := hash.NewCRC32C()
//	h.Write(header)
//	h.Write(body)
//	sum = h.Sum32()
package hash
