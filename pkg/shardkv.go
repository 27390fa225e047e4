// Package shardkv is the public entry point to the storage engine: a thin
// wrapper over internal/datastore, mirroring the two-layer split
// alexhholmes-boulder uses for its own pkg.Boulder facade, collapsed from
// three layers to two since this engine has no batch manager or WAL-backed
// write path sitting between the facade and the store.
package shardkv

import (
	"time"

	"shardkv/internal/datastore"
)

var _ ReadWriterCloser = (*Shard)(nil)

// Shard is one open storage shard.
type Shard struct {
	ds *datastore.DataStore
}

// Stats is a snapshot of a shard's runtime figures.
type Stats = datastore.Stats

// Open opens (creating if necessary) the shard whose files live in dir,
// applying every supplied Option over DefaultConfig(dir).
func Open(dir string, opts ...Option) (*Shard, error) {
	cfg := datastore.DefaultConfig(dir)
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	ds, err := datastore.Open(dir, cfg)
	if err != nil {
		return nil, err
	}
	return &Shard{ds: ds}, nil
}

func (s *Shard) Get(key []byte) ([]byte, bool, error) {
	return s.ds.Get(key)
}

func (s *Shard) Set(key, value []byte, ttl time.Duration) error {
	return s.ds.Set(key, value, ttl)
}

func (s *Shard) Delete(key []byte) error {
	return s.ds.Delete(key)
}

func (s *Shard) Truncate() error {
	return s.ds.Truncate()
}

func (s *Shard) Stats() Stats {
	return s.ds.Stats()
}

func (s *Shard) Close() error {
	return s.ds.Close()
}
