package record

import "crypto/sha1" //nolint:gosec // used as a wide fixed-width identifier, not for security

// KeyHash is the 160-bit SHA-1 digest of a user key. It is the index's
// primary key. Two distinct keys producing the same hash is defined as
// impossible; Hash does not detect collisions.
type KeyHash [20]byte

// Hash computes the KeyHash of a raw key.
func Hash(key []byte) KeyHash {
	return sha1.Sum(key) //nolint:gosec
}

// Less orders two KeyHash values lexicographically by their raw bytes. It is
// used only to give the btree index backend a total order; it carries no
// semantic meaning on its own, and callers must not otherwise depend on
// iteration order over key hashes.
func Less(a, b KeyHash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
