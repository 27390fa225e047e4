package shardkv

import (
	"io"
	"time"
)

// ReadWriterCloser is the full surface a Shard exposes, split the way
// alexhholmes-boulder's pkg/interface.go splits Boulder's into Reader and
// Writer halves.
type ReadWriterCloser interface {
	Reader
	Writer
	io.Closer
}

type Reader interface {
	// Get returns the value for key. found is false if the key is absent or
	// has expired; a non-nil error means the underlying disktable read
	// itself failed, not that the key is missing.
	Get(key []byte) (value []byte, found bool, err error)

	// Stats returns a snapshot of the shard's runtime figures.
	Stats() Stats
}

type Writer interface {
	// Set stores value under key, overwriting any previous value. A zero
	// ttl means the key never expires.
	Set(key, value []byte, ttl time.Duration) error

	// Delete removes key. It is a blind delete: no error if key is absent.
	Delete(key []byte) error

	// Truncate drops every key the shard holds and removes its disktable
	// files. Intended for tests and operator-driven resets, not ordinary
	// traffic.
	Truncate() error
}
