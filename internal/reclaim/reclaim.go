// Package reclaim implements the compaction sweep described in SPEC_FULL.md
// section 4.6: selecting the most wasteful disktable, streaming its records,
// and keeping only the ones the index still considers live. Streaming a
// file's bytes is ordinary I/O and can run off the owner goroutine; deciding
// whether a given record is still live requires consulting the index, which
// may only happen on the owner goroutine (internal/datastore), so this
// package splits cleanly into a producer (Stream) and a goroutine-confined
// consultation (IsLive) joined by the same command queue Set uses, per design
// note 9 in SPEC_FULL.md.
package reclaim

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"shardkv/internal/disktable"
	"shardkv/internal/index"
	"shardkv/internal/record"
)

// Candidate is one record read back off a disktable being reclaimed,
// awaiting a liveness decision on the owner goroutine.
type Candidate struct {
	DisktableID uint64
	Offset      uint64
	Hash        record.KeyHash
	Record      record.Record
}

// Select picks the Active disktable with the lowest UsageRatio strictly below
// targetRatio and marks it Draining, returning nil if none qualifies. Calling
// MarkDraining here, rather than leaving it to the caller, makes selection
// itself idempotent: a disktable already chosen by a concurrent sweep (or
// still draining from a prior one) is never picked twice.
func Select(tables map[uint64]*disktable.Disktable, targetRatio float64) *disktable.Disktable {
	var best *disktable.Disktable
	bestRatio := targetRatio

	for _, dt := range tables {
		if dt.State() != disktable.Active {
			continue
		}
		ratio := dt.UsageRatio()
		if ratio >= targetRatio {
			continue
		}
		if best == nil || ratio < bestRatio {
			best = dt
			bestRatio = ratio
		}
	}

	if best == nil {
		return nil
	}
	if !best.MarkDraining() {
		return nil
	}
	return best
}

// Stream reads every well-formed record frame from dt's file in order and
// invokes emit for each. It touches only the filesystem, never the index, so
// it is safe to run from a worker goroutine (the ants pool, in
// internal/datastore) concurrently with the owner goroutine's normal traffic.
// A truncated tail is tolerated silently: it can only belong to a disktable
// still being written, and a sealed disktable never grows, so in practice it
// indicates nothing was lost.
func Stream(dt *disktable.Disktable, emit func(Candidate)) error {
	file, err := os.Open(dt.Path())
	if err != nil {
		return fmt.Errorf("reclaim: open %s: %w", dt.Path(), err)
	}
	defer file.Close()

	dec := record.NewStreamDecoder(file, 0)
	for {
		rec, offset, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, record.ErrTruncated) {
				return fmt.Errorf("reclaim: stream %s: %w", dt.Path(), err)
			}
			break
		}
		emit(Candidate{
			DisktableID: dt.ID(),
			Offset:      offset,
			Hash:        record.Hash(rec.Key),
			Record:      rec,
		})
	}
	return nil
}

// IsLive reports whether idx's entry for c.Hash still points at exactly this
// candidate's disktable and offset. Must be called from the owner goroutine:
// it is the sole place reclamation touches the index.
func IsLive(c Candidate, idx index.Index) bool {
	entry, found := idx.Get(c.Hash)
	if !found {
		return false
	}
	return entry.Location.Kind == index.LocationDisk &&
		entry.Location.DisktableID == c.DisktableID &&
		entry.Location.Offset == c.Offset
}

// Finalize checks whether dt has reached zero liveBytes after a full sweep.
// A nonzero residual is a non-fatal inconsistency (SPEC_FULL.md section 4.6
// step 3): it is logged and the file is kept rather than torn down.
func Finalize(dt *disktable.Disktable, logger *log.Logger) (drained bool) {
	if dt.LiveBytes() != 0 {
		logger.Printf("reclaim: disktable %d retains %d live bytes after a full sweep, keeping the file", dt.ID(), dt.LiveBytes())
		return false
	}
	return dt.State() == disktable.Drained
}
