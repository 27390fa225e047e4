// Package flush implements the pipeline that turns a sealed memtable into a
// new disktable, described in SPEC_FULL.md sections 4.5, 5, and 9. The
// pipeline is split into two phases so the owner goroutine never blocks for
// the duration of an append+fsync: WriteBatch is pure file I/O and is
// dispatched to the io pool (see internal/datastore/iodispatch.go), while
// Reconcile only touches the index and disktable set and so must run back on
// the owner goroutine once WriteBatch's result is posted there as a
// completion command — the same message-passing split
// internal/datastore/reclaim.go uses for reclaim's streaming scan
// (reclaim.Stream off the owner goroutine, reclaim.IsLive/writeRecord on it).
package flush

import (
	"fmt"
	"path/filepath"

	"shardkv/internal/disktable"
	"shardkv/internal/index"
	"shardkv/internal/memtable"
	"shardkv/internal/record"
)

// WriteResult is what WriteBatch produces: a new disktable file and the
// pointers records landed at within it, for Reconcile to apply to the index.
// It carries no index or disktable-map state, so it is safe to hand across
// goroutines.
type WriteResult struct {
	Disktable *disktable.Disktable
	Pointers  []disktable.RecordPointer
	Records   []record.Record
}

// WriteBatch drains sealed (sealing it first if the caller has not already)
// and writes every record to a new disktable file at id, performing only
// file I/O — no index or disktable-map mutation, so it may run off the owner
// goroutine while writes land in a freshly-installed memtable. It returns
// (nil, nil) if sealed held no records.
func WriteBatch(sealed *memtable.Memtable, dir string, id uint64) (*WriteResult, error) {
	drained := sealed.Drain()
	if len(drained) == 0 {
		return nil, nil
	}
	path := filepath.Join(dir, fmt.Sprintf("%020d.dt", id))

	records := make([]record.Record, len(drained))
	hashes := make([]record.KeyHash, len(drained))
	for i, d := range drained {
		records[i] = d.Record
		hashes[i] = d.Hash
	}

	dt, pointers, err := disktable.CreateFromBatch(id, path, records, hashes)
	if err != nil {
		return nil, fmt.Errorf("flush: create disktable %d: %w", id, err)
	}
	return &WriteResult{Disktable: dt, Pointers: pointers, Records: records}, nil
}

// Deps are the collaborators Reconcile needs from its DataStore, expressed
// as narrow interfaces/functions rather than the DataStore itself so the
// pipeline can be tested without constructing a full store.
type Deps struct {
	// Index is the shard's index; Reconcile upserts every flushed record
	// into it directly, since index mutation must happen on the owner
	// goroutine that calls Reconcile.
	Index index.Index

	// PriorDisktable resolves a disktable id to the table whose liveBytes
	// must be decremented when a flushed record supersedes an older copy.
	PriorDisktable func(id uint64) (*disktable.Disktable, bool)
}

// Result is what a successful flush produces, for the DataStore to publish
// into its active disktable set.
type Result struct {
	Disktable *disktable.Disktable
}

// Reconcile repoints the index at wr's new on-disk locations and decrements
// every superseded disktable's live-byte count. Must run on the owner
// goroutine: it is the only thing flush does that touches shared state, and
// it is invoked from a cmdFlushComplete handler rather than inline in
// WriteBatch for exactly that reason. Returns (nil) if wr is nil (an empty
// drain).
func Reconcile(wr *WriteResult, deps Deps) *Result {
	if wr == nil {
		return nil
	}

	for i, p := range wr.Pointers {
		rec := wr.Records[i]

		if rec.Tombstone {
			prev, found := deps.Index.Get(p.Hash)
			if !found || prev.Timestamp > rec.Timestamp {
				// Either nothing to remove, or a newer write (or newer
				// tombstone) for this key landed after this one sealed and
				// before this flush's Reconcile ran: the index already
				// holds that newer entry and must not be disturbed. The
				// tombstone this pointer describes is dead on arrival.
				wr.Disktable.DecLive(p.Size)
				continue
			}
			decrementPrior(deps, prev)
			deps.Index.Remove(p.Hash)
			wr.Disktable.DecLive(p.Size)
			continue
		}

		entry := index.Entry{Hash: p.Hash, Timestamp: rec.Timestamp, Location: index.OnDisk(wr.Disktable.ID(), p.Offset), Size: p.Size}
		prev, stale := deps.Index.Upsert(entry)
		if stale {
			// Reachable now that WriteBatch's append+fsync runs off the
			// owner goroutine: a newer write for the same key can land in
			// the freshly-installed memtable, and its index entry can be
			// upserted, before this flush's Reconcile runs for the batch
			// the key used to live in. The record this pointer describes
			// is physically on wr.Disktable but dead on arrival; count it
			// as such rather than leaving it live.
			wr.Disktable.DecLive(p.Size)
			continue
		}
		if prev != nil {
			decrementPrior(deps, *prev)
		}
	}

	return &Result{Disktable: wr.Disktable}
}

func decrementPrior(deps Deps, prev index.Entry) {
	if prev.Location.Kind != index.LocationDisk {
		return
	}
	if dt, ok := deps.PriorDisktable(prev.Location.DisktableID); ok {
		dt.DecLive(prev.Size)
	}
}
