package datastore

import (
	"time"

	"shardkv/internal/reclaim"
)

// scheduleReclaim arms a self-rescheduling timingwheel.Timer that posts a
// cmdReclaimTick onto the owner goroutine's queue every
// Config.ReclaimInterval (re-read on every tick so a hot-reloaded interval
// takes effect on the following sweep). Posting a command rather than
// touching ds.disktables directly keeps every index/disktable-map access on
// the owner goroutine, matching the rest of the package.
func (ds *DataStore) scheduleReclaim() {
	var tick func()
	tick = func() {
		interval := time.Duration(ds.reclaimInterval.Load())
		ds.wheel.AfterFunc(interval, func() {
			if ds.closed.Load() {
				return
			}
			ds.queue.Write(&command{kind: cmdReclaimTick})
			tick()
		})
	}
	tick()
}

// doReclaimTick selects the most wasteful eligible disktable (if any) and
// dispatches its streaming scan to the io pool. Must run on the owner
// goroutine: Select reads ds.disktables.
func (ds *DataStore) doReclaimTick() {
	target := ds.targetUsageRatio.Load().(float64)
	dt := reclaim.Select(ds.disktables, target)
	if dt == nil {
		return
	}

	_ = ds.io.Go(func() {
		err := reclaim.Stream(dt, func(c reclaim.Candidate) {
			ds.queue.Write(&command{kind: cmdReclaimCandidate, candidate: reclaimCandidate{
				disktableID: c.DisktableID,
				offset:      c.Offset,
				hash:        c.Hash,
				rec:         c.Record,
			}})
		})
		if err != nil {
			ds.logger.Printf("datastore: reclaim stream of disktable %d failed: %v", dt.ID(), err)
		}
		ds.queue.Write(&command{kind: cmdReclaimFinalize, candidate: reclaimCandidate{disktableID: dt.ID()}})
	})
}

// doReclaimCandidate checks whether the index still points at exactly this
// candidate's location and, if so, re-inserts it through the normal write
// path using its original timestamp, per SPEC_FULL.md section 4.6. Must run
// on the owner goroutine: IsLive and writeRecord both touch the index.
func (ds *DataStore) doReclaimCandidate(c reclaimCandidate) {
	cand := reclaim.Candidate{DisktableID: c.disktableID, Offset: c.offset, Hash: c.hash, Record: c.rec}
	if !reclaim.IsLive(cand, ds.idx) {
		return
	}
	if err := ds.writeRecord(c.hash, c.rec); err != nil {
		ds.logger.Printf("datastore: reclaim reinsert failed for key hash %x: %v", c.hash, err)
	}
}

// doReclaimFinalize checks whether a fully-streamed disktable's liveBytes
// reached zero and, if so, unlinks it once no reads are outstanding against
// it. If reads are still in flight, it reschedules itself shortly rather
// than leaking the Drained-but-unlinked file forever.
func (ds *DataStore) doReclaimFinalize(diskID uint64) {
	dt, ok := ds.disktables[diskID]
	if !ok {
		return
	}

	if !reclaim.Finalize(dt, ds.logger) {
		return
	}

	if dt.InFlightReaders() > 0 {
		ds.wheel.AfterFunc(50*time.Millisecond, func() {
			if ds.closed.Load() {
				return
			}
			ds.queue.Write(&command{kind: cmdReclaimFinalize, candidate: reclaimCandidate{disktableID: diskID}})
		})
		return
	}

	if err := dt.Remove(); err != nil {
		ds.logger.Printf("datastore: failed to unlink drained disktable %d: %v", diskID, err)
		return
	}
	delete(ds.disktables, diskID)
}
