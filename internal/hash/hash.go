package hash

import (
	"hash"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// NewCRC32C returns a streaming CRC32-Castagnoli hash, used for objects that
// are checksummed while they are copied.
func NewCRC32C() hash.Hash32 {
	return crc32.New(castagnoli)
}

// String returns the xxHash64 of s without allocating.
func String(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Bytes returns the xxHash64 of b.
func Bytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}
