package hash

import (
	"hash"
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// UpdateCRC32C extends crc with data, for checksums spanning several buffers.
func UpdateCRC32C(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32cTable, data)
}

// NewCRC32C returns a streaming Castagnoli hash.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}
