// Package cos ("common os/stdlib-adjacent") holds small helpers shared
// across the runtime: hashing, power-of-two checks, error sentinels.
package cos

import (
	"github.com/OneOfOne/xxhash"
)

// HashString returns the xxhash of s, used by the striped map (C1) to pick
// a shard: hash(key) & (N-1).
func HashString(s string) uint64 {
	return xxhash.ChecksumString64(s)
}

// HashUint64 returns the xxhash of an 8-byte key, used for Guid-keyed
// stripes (e.g. the cell manager's guid -> owning-cell index).
func HashUint64(v uint64) uint64 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return xxhash.Checksum64(b[:])
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// CeilPowerOfTwo returns the smallest power of two >= n (n > 0).
func CeilPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
