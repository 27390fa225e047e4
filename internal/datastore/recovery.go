package datastore

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"shardkv/internal/disktable"
	"shardkv/internal/index"
)

type recoveredTable struct {
	id        uint64
	path      string
	dt        *disktable.Disktable
	records   []disktable.RecoveredRecord
	truncated bool
	err       error
}

// recoverAll lists every disktable file in dir, opens each (optionally
// concurrently via the io pool, per Config.ParallelRecovery), and replays
// its records into the index in file-id order. Only the open+decode step
// runs in parallel; the replay itself is sequential and in file-id order,
// which it relies on, since a tombstone removes its key's entry regardless of
// timestamp. This function runs before the owner goroutine exists, so no
// synchronization is needed for the upserts that follow.
func (ds *DataStore) recoverAll(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.dt"))
	if err != nil {
		return fmt.Errorf("datastore: list disktable files: %w", err)
	}
	if len(paths) == 0 {
		return nil
	}

	tables := make([]recoveredTable, len(paths))
	for i, path := range paths {
		id, err := parseDisktableID(path)
		if err != nil {
			return fmt.Errorf("datastore: %w", err)
		}
		tables[i] = recoveredTable{id: id, path: path}
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].id < tables[j].id })

	openOne := func(t *recoveredTable) {
		dt, records, truncated, err := disktable.Open(t.id, t.path)
		t.dt, t.records, t.truncated, t.err = dt, records, truncated, err
	}

	if ds.cfg.ParallelRecovery {
		var wg sync.WaitGroup
		for i := range tables {
			i := i
			wg.Add(1)
			if err := ds.io.Go(func() {
				defer wg.Done()
				openOne(&tables[i])
			}); err != nil {
				wg.Done()
				openOne(&tables[i])
			}
		}
		wg.Wait()
	} else {
		for i := range tables {
			openOne(&tables[i])
		}
	}

	for _, t := range tables {
		if t.err != nil {
			return fmt.Errorf("datastore: open disktable %d: %w", t.id, t.err)
		}
		if t.truncated {
			ds.logger.Printf("datastore: disktable %d has a truncated tail, tolerating", t.id)
		}
		ds.disktables[t.id] = t.dt
		if t.id >= ds.nextDisktableID {
			ds.nextDisktableID = t.id + 1
		}
		for _, rr := range t.records {
			ds.applyRecoveredRecord(t.id, rr)
		}
	}
	return nil
}

func (ds *DataStore) applyRecoveredRecord(diskID uint64, rr disktable.RecoveredRecord) {
	if rr.Record.Tombstone {
		if prev, found := ds.idx.Get(rr.Hash); found {
			ds.decPriorIfDisk(prev)
		}
		ds.idx.Remove(rr.Hash)
		if dt, ok := ds.disktables[diskID]; ok {
			dt.DecLive(rr.Record.Size())
		}
		return
	}

	entry := index.Entry{Hash: rr.Hash, Timestamp: rr.Record.Timestamp, Location: index.OnDisk(diskID, rr.Offset), Size: rr.Record.Size()}
	prev, stale := ds.idx.Upsert(entry)
	if stale {
		if dt, ok := ds.disktables[diskID]; ok {
			dt.DecLive(rr.Record.Size())
		}
		return
	}
	if prev != nil {
		ds.decPriorIfDisk(*prev)
	}
}

func (ds *DataStore) decPriorIfDisk(prev index.Entry) {
	if prev.Location.Kind != index.LocationDisk {
		return
	}
	if dt, ok := ds.disktables[prev.Location.DisktableID]; ok {
		dt.DecLive(prev.Size)
	}
}

func parseDisktableID(path string) (uint64, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	id, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("disktable filename %q is not a valid id: %w", base, err)
	}
	return id, nil
}
