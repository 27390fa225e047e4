// Package disktable implements the immutable, append-only on-disk record
// file described in SPEC_FULL.md section 4.3, including the reference
// counting that lets concurrent reads safely outlive a reclaim decision —
// grounded on alexhholmes-boulder's SSTable reader latch
// (pkg/sstable/sstable.go), generalized from a single atomic counter guarding
// close to one that also gates file deletion.
package disktable

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"shardkv/internal/ioutil"
	"shardkv/internal/record"
)

// State is a disktable's position in its Active -> Draining -> Drained
// lifecycle (SPEC_FULL.md section 4.7).
type State int32

const (
	Active State = iota
	Draining
	Drained
)

// RecordPointer locates one record written by AppendBatch.
type RecordPointer struct {
	Hash   record.KeyHash
	Offset uint64
	Size   uint32
}

// RecoveredRecord pairs a decoded record with the hash and offset it was
// found at, for index replay during recovery.
type RecoveredRecord struct {
	Hash   record.KeyHash
	Offset uint64
	Record record.Record
}

// Disktable is one immutable file of concatenated record frames.
type Disktable struct {
	id   uint64
	path string

	file *os.File

	totalBytes  uint64
	liveBytes   atomic.Uint64
	recordCount uint64

	state atomic.Int32
	// readers counts in-flight ReadAt calls; the file is only unlinked once
	// this reaches zero after the table has drained, mirroring the SSTable
	// latch in alexhholmes-boulder's pkg/sstable/sstable.go.
	readers atomic.Int32
}

// ID returns the disktable's monotonic identifier, which is also its
// filename stem.
func (d *Disktable) ID() uint64 { return d.id }

// Path returns the disktable's file path.
func (d *Disktable) Path() string { return d.path }

// TotalBytes returns the file's size in bytes.
func (d *Disktable) TotalBytes() uint64 { return d.totalBytes }

// LiveBytes returns the sum of sizes of records the index still points at
// within this file.
func (d *Disktable) LiveBytes() uint64 { return d.liveBytes.Load() }

// RecordCount returns the number of records physically present in the file
// (live or not).
func (d *Disktable) RecordCount() uint64 { return d.recordCount }

// UsageRatio returns LiveBytes/TotalBytes, the figure the reclaimer compares
// against Config.DisktableTargetUsageRatio. An empty file (TotalBytes == 0)
// reports a ratio of 1.0, i.e. not eligible for reclamation.
func (d *Disktable) UsageRatio() float64 {
	if d.totalBytes == 0 {
		return 1.0
	}
	return float64(d.liveBytes.Load()) / float64(d.totalBytes)
}

// State returns the disktable's current lifecycle state.
func (d *Disktable) State() State {
	return State(d.state.Load())
}

// MarkDraining transitions Active -> Draining. It is a no-op if the table
// isn't Active, which makes disktable selection idempotent: reclaiming an
// already-Drained table is a no-op (SPEC_FULL.md section 8).
func (d *Disktable) MarkDraining() bool {
	return d.state.CompareAndSwap(int32(Active), int32(Draining))
}

// CreateFromBatch creates a brand-new disktable file at path containing the
// given records, in order, then fsyncs it. It is called only by the flush
// pipeline (internal/flush); a disktable is never appended to again once
// created.
func CreateFromBatch(id uint64, path string, records []record.Record, hashes []record.KeyHash) (*Disktable, []RecordPointer, error) {
	if len(records) != len(hashes) {
		return nil, nil, fmt.Errorf("disktable: records/hashes length mismatch: %d vs %d", len(records), len(hashes))
	}

	w, err := ioutil.OpenAppendWriter(path)
	if err != nil {
		return nil, nil, fmt.Errorf("disktable: open %s: %w", path, err)
	}

	pointers := make([]RecordPointer, 0, len(records))
	for i, rec := range records {
		buf, err := record.Encode(rec)
		if err != nil {
			_ = w.Close()
			return nil, nil, fmt.Errorf("disktable: encode record: %w", err)
		}
		offset, err := w.Write(buf)
		if err != nil {
			_ = w.Close()
			return nil, nil, fmt.Errorf("disktable: write record: %w", err)
		}
		pointers = append(pointers, RecordPointer{Hash: hashes[i], Offset: offset, Size: uint32(len(buf))})
	}

	if err := w.Sync(); err != nil {
		_ = w.Close()
		return nil, nil, fmt.Errorf("disktable: fsync: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("disktable: close after write: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("disktable: reopen for reads: %w", err)
	}

	dt := &Disktable{
		id:          id,
		path:        path,
		file:        file,
		totalBytes:  w.Size(),
		recordCount: uint64(len(records)),
	}
	var liveBytes uint64
	for _, p := range pointers {
		liveBytes += uint64(p.Size)
	}
	dt.liveBytes.Store(liveBytes)

	return dt, pointers, nil
}

// Open opens an existing disktable file for recovery, streaming every
// well-formed frame it contains. A truncated tail (the result of a crash
// mid-append) is reported via truncatedTail but is not an error: recovery
// simply stops reading there. The returned records all have liveBytes
// counted; callers (recovery) later decrement liveBytes for any record whose
// index entry turns out to belong to a newer disktable.
func Open(id uint64, path string) (dt *Disktable, records []RecoveredRecord, truncatedTail bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, false, fmt.Errorf("disktable: open %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, false, fmt.Errorf("disktable: stat %s: %w", path, err)
	}

	dec := record.NewStreamDecoder(file, 0)
	var liveBytes uint64
	var lastGoodEnd uint64
	for {
		rec, offset, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				truncatedTail = true
			}
			break
		}
		size := rec.Size()
		records = append(records, RecoveredRecord{Hash: record.Hash(rec.Key), Offset: offset, Record: rec})
		liveBytes += uint64(size)
		lastGoodEnd = offset + uint64(size)
	}

	dt = &Disktable{
		id:          id,
		path:        path,
		file:        file,
		totalBytes:  uint64(stat.Size()),
		recordCount: uint64(len(records)),
	}
	dt.liveBytes.Store(liveBytes)
	_ = lastGoodEnd

	return dt, records, truncatedTail, nil
}

// ReadAt performs one positioned read of exactly size bytes at offset,
// decodes it, and CRC-checks it.
func (d *Disktable) ReadAt(offset uint64, size uint32) (record.Record, error) {
	d.readers.Add(1)
	defer d.readers.Add(-1)

	buf := make([]byte, size)
	if _, err := d.file.ReadAt(buf, int64(offset)); err != nil {
		return record.Record{}, fmt.Errorf("disktable: read at %d: %w", offset, err)
	}
	return record.Decode(buf)
}

// DecLive decreases LiveBytes by size, e.g. because the index entry it
// backed was superseded by a newer write or a reclaim re-insertion. LiveBytes
// only ever decreases for a given disktable. When it reaches zero, the table
// transitions Draining -> Drained.
func (d *Disktable) DecLive(size uint32) {
	newVal := d.liveBytes.Add(-uint64(size))
	if newVal == 0 || int64(newVal) < 0 {
		if newVal != 0 {
			// Defensive: liveBytes must never go negative. A negative value
			// means a caller double-decremented the same record, which is a
			// bookkeeping bug elsewhere (flush or reclaim), not a condition
			// this package can recover from.
			panic(fmt.Sprintf("disktable %d: liveBytes underflow", d.id))
		}
		d.state.CompareAndSwap(int32(Draining), int32(Drained))
	}
}

// InFlightReaders reports the number of ReadAt calls currently executing
// against this table, used to gate unlinking a Drained table.
func (d *Disktable) InFlightReaders() int32 {
	return d.readers.Load()
}

// Close closes the underlying file descriptor without removing the file.
func (d *Disktable) Close() error {
	return d.file.Close()
}

// Remove closes and unlinks the disktable's file. The caller must have
// already confirmed State() == Drained and InFlightReaders() == 0.
func (d *Disktable) Remove() error {
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("disktable: close before remove: %w", err)
	}
	if err := os.Remove(d.path); err != nil {
		return fmt.Errorf("disktable: remove %s: %w", d.path, err)
	}
	return nil
}
