// Package index implements the key-hash-to-location mapping described in
// SPEC_FULL.md section 4.4. It offers two swappable backends behind one
// interface, resolving the source's open question about hash-map-vs-B-tree
// substitutability as a configuration choice instead of a future rewrite.
//
// Both backends assume single-writer access: they are only ever mutated from
// a DataStore's owner goroutine (see internal/datastore), so neither takes an
// internal lock.
package index

import "shardkv/internal/record"

// LocationKind discriminates the two cases of Location. It is deliberately a
// tagged struct rather than an interface: the two cases carry different data
// and have different lifecycles, and dynamic dispatch between them would
// obscure that.
type LocationKind uint8

const (
	// LocationMemtable means the record currently lives only in the active
	// (or a still-draining) memtable generation.
	LocationMemtable LocationKind = iota
	// LocationDisk means the record lives at a fixed offset within a sealed
	// disktable.
	LocationDisk
)

// Location points to where a record's bytes currently live.
type Location struct {
	Kind LocationKind

	// Generation is valid when Kind == LocationMemtable.
	Generation uint64

	// DisktableID and Offset are valid when Kind == LocationDisk.
	DisktableID uint64
	Offset      uint64
}

// InMemtable constructs a Location pointing at a memtable generation.
func InMemtable(generation uint64) Location {
	return Location{Kind: LocationMemtable, Generation: generation}
}

// OnDisk constructs a Location pointing at a disktable offset.
func OnDisk(disktableID, offset uint64) Location {
	return Location{Kind: LocationDisk, DisktableID: disktableID, Offset: offset}
}

// Entry is the value stored per key hash. Its timestamp is the maximum
// timestamp ever observed for that hash; upserts with a strictly lower
// timestamp are rejected as stale.
type Entry struct {
	Hash      record.KeyHash
	Timestamp uint64
	Location  Location
	Size      uint32
}

// Index maps a 160-bit key hash to its current Entry.
type Index interface {
	// Get returns the entry for hash, if any.
	Get(hash record.KeyHash) (Entry, bool)

	// Upsert inserts or replaces the entry for e.Hash. If an entry already
	// exists with a timestamp strictly greater than e.Timestamp, the upsert
	// is rejected: stale is true, the index is unchanged, and previous is
	// nil. An incoming timestamp equal to the stored one is accepted (not
	// stale) rather than rejected, so the flush pipeline and the reclaimer
	// can relocate a record's Location from memtable to disk, or from one
	// disktable to another, without forging a new timestamp for a write
	// that never happened; only a genuinely older timestamp is stale.
	// Otherwise previous is the entry that was replaced (nil if this hash
	// was new).
	Upsert(e Entry) (previous *Entry, stale bool)

	// Remove deletes the entry for hash, if any.
	Remove(hash record.KeyHash)

	// Len returns the number of entries currently tracked.
	Len() int

	// Clear removes every entry. Used by DataStore.Truncate.
	Clear()
}

// Backend names accepted by Config.IndexBackend.
const (
	BackendSwiss = "swiss"
	BackendBTree = "btree"
)

// New constructs an Index backend by name. sizeHint is an initial capacity
// hint passed to the swiss-table backend; it is ignored by the btree backend.
func New(backend string, sizeHint uint32) Index {
	switch backend {
	case BackendBTree:
		return newBTreeIndex()
	case BackendSwiss, "":
		return newSwissIndex(sizeHint)
	default:
		// An unrecognized backend is a configuration mistake, not a runtime
		// condition the caller can recover from; fail loudly at startup
		// rather than silently falling back.
		panic("index: unknown backend " + backend)
	}
}
