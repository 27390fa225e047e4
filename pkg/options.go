package shardkv

import (
	"time"

	"shardkv/internal/datastore"
)

// Option configures the Config Open starts a shard with, following the
// functional-options pattern alexhholmes-boulder's pkg/options.go uses over
// its own internal/db.DB.
type Option interface {
	apply(*datastore.Config)
}

type optionFunc func(*datastore.Config)

func (f optionFunc) apply(cfg *datastore.Config) { f(cfg) }

// WithMemtableMaxSizeBytes overrides the default memtable size threshold.
func WithMemtableMaxSizeBytes(n uint32) Option {
	return optionFunc(func(cfg *datastore.Config) { cfg.MemtableMaxSizeBytes = n })
}

// WithDisktableTargetUsageRatio overrides the reclaim eligibility threshold.
func WithDisktableTargetUsageRatio(ratio float32) Option {
	return optionFunc(func(cfg *datastore.Config) { cfg.DisktableTargetUsageRatio = ratio })
}

// WithIndexBackend selects the in-memory index implementation: "swiss" or
// "btree".
func WithIndexBackend(backend string) Option {
	return optionFunc(func(cfg *datastore.Config) { cfg.IndexBackend = backend })
}

// WithReclaimInterval overrides how often the background reclaim sweep runs.
func WithReclaimInterval(d time.Duration) Option {
	return optionFunc(func(cfg *datastore.Config) { cfg.ReclaimInterval = d })
}

// WithParallelRecovery toggles ants-pool-driven concurrent disktable
// scanning during Open.
func WithParallelRecovery(enabled bool) Option {
	return optionFunc(func(cfg *datastore.Config) { cfg.ParallelRecovery = enabled })
}

// WithConfigWatch enables fsnotify-driven hot-reload of the live-reloadable
// Config fields from the file at path.
func WithConfigWatch(path string) Option {
	return optionFunc(func(cfg *datastore.Config) {
		cfg.ConfigWatch = true
		cfg.ConfigPath = path
	})
}
