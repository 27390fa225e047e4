package datastore

import (
	"sync"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// Stats is a snapshot of a shard's runtime figures, returned by
// DataStore.Stats.
type Stats struct {
	KeyCount          int
	DisktableCount    int
	MemtableBytes     uint64
	AvgFlushLatencyMs float64
	AvgLiveRatio      float64
}

// statsTracker accumulates the two rolling figures Stats reports, grounded on
// dborchard-cometkv's pkg/memtable/base.EMBase, which keeps a
// movingaverage.MovingAverage of its own GC pass timings. Both averages are
// only ever touched from the owner goroutine, so no lock is needed for them
// individually, but Snapshot takes one anyway since Stats may be called from
// any goroutine.
type statsTracker struct {
	mu               sync.Mutex
	flushLatencyMs   *movingaverage.MovingAverage
	disktableLiveRat *movingaverage.MovingAverage
}

func newStatsTracker(window int) *statsTracker {
	if window <= 0 {
		window = 32
	}
	return &statsTracker{
		flushLatencyMs:   movingaverage.New(window),
		disktableLiveRat: movingaverage.New(window),
	}
}

func (s *statsTracker) observeFlushLatencyMs(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLatencyMs.Add(ms)
}

func (s *statsTracker) observeLiveRatio(ratio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disktableLiveRat.Add(ratio)
}

func (s *statsTracker) snapshot() (avgFlushLatencyMs, avgLiveRatio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLatencyMs.Avg(), s.disktableLiveRat.Avg()
}
