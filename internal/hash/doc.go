// Package hash provides the checksums and string hashes used by the storage layer.
//
// # CRC32-Castagnoli (CRC32C)
//
// Page checksums and backup object checksums use CRC32C, which Go's crc32
// package accelerates with SSE4.2 on x86 and the CRC extension on ARM.
//
//	checksum := hash.CRC32C(page[8:])
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	checksum := h.Sum32()
//
// # xxHash
//
// The concurrent string map hashes keys with xxHash64:
//
//	h := hash.String("/users/name")
package hash
