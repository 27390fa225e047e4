package datastore

import "errors"

// Sentinel errors, described in SPEC_FULL.md section 7. ErrNotFound,
// ErrCorrupt, ErrFull and ErrStale are never returned: the memtable reports a
// full table as memtable.Full, the index reports a stale upsert with a bool,
// and a corrupt frame surfaces as record.ErrCorrupt. They are listed here so
// those conditions are named alongside the errors a caller actually sees.
var (
	// ErrNotFound is never returned from the public API: Get reports
	// absence as (nil, false, nil), matching Go idiom.
	ErrNotFound = errors.New("datastore: key not found")

	// ErrIoFailed wraps a read, write, fsync, unlink, or open failure.
	ErrIoFailed = errors.New("datastore: i/o failure")

	// ErrCorrupt names a record whose CRC does not match; such a read fails
	// with record.ErrCorrupt, and the caller sees the key as not found.
	ErrCorrupt = errors.New("datastore: corrupt record")

	// ErrFull names a full memtable, which is reported as memtable.Full; never returned.
	ErrFull = errors.New("datastore: memtable full")

	// ErrStale names a stale upsert, which the index reports with a bool; never returned.
	ErrStale = errors.New("datastore: stale write rejected")

	// ErrFlushAborted means a flush's append or fsync failed. It is fatal
	// to the shard: the DataStore must be reopened from disk.
	ErrFlushAborted = errors.New("datastore: flush aborted")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("datastore: store is closed")
)
