package datastore

import (
	"github.com/panjf2000/ants/v2"
)

// ioPool bounds the concurrency of background file work (parallel recovery
// scanning, reclaim streaming, flush's append+fsync) behind a single pool
// per DataStore, grounded on the ants.Pool benchmarked against raw
// goroutines in dborchard-cometkv's
// pkg/b_memtable/segment_ring/segment_ring_test.go. Every job submitted
// through it is fire-and-forget: the owner goroutine never blocks waiting
// for one to finish. Recovery coordinates completion itself with a
// sync.WaitGroup; reclaim streaming and flush instead report back by posting
// a command onto the owner goroutine's queue (cmdReclaimCandidate/
// cmdReclaimFinalize, cmdFlushComplete) once the background work is done, so
// the owner goroutine keeps draining new Get/Set/Delete commands the entire
// time a flush or reclaim scan is in flight.
type ioPool struct {
	pool *ants.Pool
}

func newIOPool(size int) (*ioPool, error) {
	if size <= 0 {
		size = 8
	}
	p, err := ants.NewPool(size, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	return &ioPool{pool: p}, nil
}

// Go submits fn to the pool and returns immediately; the caller coordinates
// completion itself, either via a sync.WaitGroup (recovery's fan-out-then-
// join scan of every disktable file) or by having fn post a command back
// onto the owner goroutine's queue when it finishes (reclaim streaming,
// flush's append+fsync).
func (p *ioPool) Go(fn func()) error {
	return p.pool.Submit(fn)
}

func (p *ioPool) Release() {
	p.pool.Release()
}
