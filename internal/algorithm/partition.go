package algorithm

import "hash/crc32"

// PartitionHash returns bits 16..30 of the key's CRC-32 (IEEE)
func PartitionHash(key []byte) uint16 {
	return uint16((crc32.ChecksumIEEE(key) >> 16) & 0x7fff)
}

// PartitionFor maps a key onto one of partitionCount partitions.
// partitionCount must be a power of two; snapshots validate this on construction.
func PartitionFor(key []byte, partitionCount int) uint16 {
	return PartitionHash(key) & uint16(partitionCount-1)
}

// IsPowerOfTwo reports whether n is a positive power of two
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
