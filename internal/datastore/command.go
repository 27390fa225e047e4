package datastore

import (
	"time"

	"shardkv/internal/flush"
	"shardkv/internal/record"
)

type commandKind int

const (
	cmdSet commandKind = iota
	cmdGet
	cmdDelete
	cmdTruncate
	cmdStats
	cmdReclaimTick
	cmdReclaimCandidate
	cmdReclaimFinalize
	cmdFlushComplete
)

// command is the one value type that travels the owner goroutine's
// zenq.ZenQ queue (internal/datastore's reactor, grounded on
// dborchard-cometkv's segment_ring, which drives its memtable off an
// identically-shaped asyncKeyPtrChan). Set/Get/Delete/Truncate carry a reply
// channel the caller blocks on; reclaim candidates are fire-and-forget.
type command struct {
	kind commandKind

	key   []byte
	value []byte
	ttl   time.Duration

	candidate reclaimCandidate
	flush     *flushOutcome

	reply      chan commandResult
	statsReply chan Stats
}

// reclaimCandidate is the payload for cmdReclaimCandidate, mirroring
// reclaim.Candidate without importing that package here (datastore already
// depends on reclaim; reclaim does not depend on datastore).
type reclaimCandidate struct {
	disktableID uint64
	offset      uint64
	hash        record.KeyHash
	rec         record.Record
}

// flushOutcome is the payload for cmdFlushComplete: the result of a flush's
// off-owner-goroutine disktable write (internal/flush.WriteBatch), posted
// back so the owner goroutine can run flush.Reconcile against the index and
// retire the sealed memtable it was drained from.
type flushOutcome struct {
	sealedGeneration uint64
	epoch            uint64
	result           *flush.WriteResult
	err              error
	startedAt        time.Time
}

type commandResult struct {
	value []byte
	found bool
	err   error
}
