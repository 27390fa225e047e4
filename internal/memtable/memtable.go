// Package memtable implements the bounded in-memory write buffer described
// in SPEC_FULL.md section 4.2. Unlike the index package's two backends, the
// memtable is deliberately kept on a plain Go map: the spec treats it as a
// mapping, not an ordered structure ("the memtable is a mapping, not a log"),
// and it is already consulted in the same single-writer, no-lock setting as
// the index (see internal/datastore's owner goroutine) — reaching for
// swiss/btree here would duplicate the index package's concern without
// exercising anything new (see DESIGN.md).
package memtable

import (
	"errors"
	"sort"

	"shardkv/internal/record"
)

// Outcome is returned by Put to tell the caller whether the record landed in
// the table or the table must be sealed and flushed first.
type Outcome int

const (
	// Accepted means the record was stored.
	Accepted Outcome = iota
	// Full means the table would exceed its byte budget; the caller must
	// seal this table (internal/flush) and retry against a fresh one.
	Full
)

// ErrClosed is returned by Put once the table has been sealed; sealing and
// draining happen under the same owner goroutine so this should not occur in
// practice, but it guards against accidental reuse of a drained table.
var ErrClosed = errors.New("memtable: table has been sealed and drained")

// Memtable is an in-memory mapping from key hash to the latest Record
// written for that hash, bounded by MaxBytes.
type Memtable struct {
	generation   uint64
	records      map[record.KeyHash]record.Record
	currentBytes uint64
	maxBytes     uint64
	sealed       bool
}

// New returns an empty memtable tagged with generation, bounded at maxBytes.
func New(generation uint64, maxBytes uint64) *Memtable {
	return &Memtable{
		generation: generation,
		records:    make(map[record.KeyHash]record.Record),
		maxBytes:   maxBytes,
	}
}

// Generation returns the monotonically assigned id of this table. The
// DataStore increments this on every seal so the index can distinguish
// "still live in table G" from "table G has since been sealed".
func (m *Memtable) Generation() uint64 {
	return m.generation
}

// Put inserts or replaces the record for hash. A single record is always
// accepted even into an empty table that is itself over budget, so that a
// lone oversized value can never wedge the engine.
func (m *Memtable) Put(hash record.KeyHash, rec record.Record) (Outcome, error) {
	if m.sealed {
		return Full, ErrClosed
	}

	size := uint64(rec.Size())
	projected := m.currentBytes + size
	if existing, ok := m.records[hash]; ok {
		projected -= uint64(existing.Size())
	}

	if projected > m.maxBytes && len(m.records) > 0 {
		return Full, nil
	}

	if existing, ok := m.records[hash]; ok {
		m.currentBytes -= uint64(existing.Size())
	}
	m.records[hash] = rec
	m.currentBytes += size

	return Accepted, nil
}

// Get returns the record stored for hash, if any.
func (m *Memtable) Get(hash record.KeyHash) (record.Record, bool) {
	rec, ok := m.records[hash]
	return rec, ok
}

// ByteSize returns the sum of encoded sizes of all records currently held.
func (m *Memtable) ByteSize() uint64 {
	return m.currentBytes
}

// Len returns the number of distinct keys currently held.
func (m *Memtable) Len() int {
	return len(m.records)
}

// DrainedRecord pairs a record with the hash it is stored under, since the
// map key (the hash) is not recoverable from the Record alone.
type DrainedRecord struct {
	Hash   record.KeyHash
	Record record.Record
}

// Drain seals the table (if not already sealed) and returns every record it
// holds, ordered by key hash for on-disk locality. Because the table is a
// mapping rather than a log, every hash already appears at most once, with
// its latest timestamp — there is no separate collapse step to perform.
func (m *Memtable) Drain() []DrainedRecord {
	m.sealed = true

	out := make([]DrainedRecord, 0, len(m.records))
	for hash, rec := range m.records {
		out = append(out, DrainedRecord{Hash: hash, Record: rec})
	}
	sort.Slice(out, func(i, j int) bool {
		return record.Less(out[i].Hash, out[j].Hash)
	})
	return out
}

// Sealed reports whether the table is no longer accepting writes.
func (m *Memtable) Sealed() bool {
	return m.sealed
}
