// Package ioutil provides the disktable's append/read file plumbing. It
// adapts alexhholmes-boulder's block-aligned directio writer
// (pkg/storage/file.go) — which padded writes to the direct-I/O block size
// but never had a matching mechanism to trim that padding back off again,
// leaving the file's true content length ambiguous to a later reader. This
// version buffers any not-yet-block-size bytes in memory instead of writing
// a padded block and truncating it away immediately: every write that
// actually reaches the file is a full, block-aligned chunk, and the trailing
// partial block is only padded, written, and truncated back to the exact
// logical length once, when the writer is finalized (Sync or Close).
// Truncating after every write — as a naive port of the teacher's writer
// would — leaves the file's on-disk length non-block-aligned in between
// calls, which violates O_DIRECT|O_APPEND's alignment requirement for the
// next write and fails with EINVAL on real direct-I/O-capable storage.
package ioutil

import (
	"errors"
	"os"

	"github.com/ncw/directio"
)

// AppendWriter is the disktable's append-only file handle. Every
// implementation guarantees that, once Sync or Close has returned
// successfully, the file's on-disk size is exactly the sum of bytes passed
// to Write so far — direct I/O's block alignment, where available, is purely
// an internal write-path optimization and may leave the physical file
// larger than that (unflushed trailing padding) in between.
type AppendWriter interface {
	// Write appends buf to the file and returns the offset it was written
	// at (i.e. the file's logical size before this call).
	Write(buf []byte) (offset uint64, err error)
	Sync() error
	Close() error
	Size() uint64
}

// OpenAppendWriter opens path for append, preferring a block-aligned direct
// I/O path and falling back to a plain buffered file when the platform or
// filesystem doesn't support O_DIRECT (e.g. tmpfs, non-Linux). This mirrors
// the spec's note that O_DIRECT is "an optimization, not a contract".
func OpenAppendWriter(path string) (AppendWriter, error) {
	if w, err := newAlignedWriter(path); err == nil {
		return w, nil
	}
	return newPlainWriter(path)
}

// alignedWriter only ever writes full, block-aligned chunks to the
// underlying O_DIRECT|O_APPEND file descriptor. Bytes that don't fill out a
// full block are held in pending until either a later Write tops them up to
// a full block or the writer is finalized, at which point the remainder is
// padded, written once, and the file is truncated back down to its true
// logical length exactly once.
type alignedWriter struct {
	file      *os.File
	block     int
	size      uint64
	pending   []byte
	finalized bool
}

func newAlignedWriter(path string) (*alignedWriter, error) {
	file, err := directio.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &alignedWriter{file: file, block: directio.BlockSize, size: uint64(stat.Size())}, nil
}

func (w *alignedWriter) Write(buf []byte) (uint64, error) {
	offset := w.size
	if len(buf) == 0 {
		return offset, nil
	}
	if w.finalized {
		return offset, errors.New("ioutil: write after finalize")
	}

	w.pending = append(w.pending, buf...)
	w.size += uint64(len(buf))

	for len(w.pending) >= w.block {
		chunk := w.pending[:w.block]
		if _, err := w.file.Write(chunk); err != nil {
			return offset, err
		}
		rest := make([]byte, len(w.pending)-w.block)
		copy(rest, w.pending[w.block:])
		w.pending = rest
	}
	return offset, nil
}

// finalize flushes any partial trailing block (zero-padded) and truncates
// the file back to the writer's true logical size. It is idempotent: Sync
// followed by Close, the sequence every caller in this tree uses, only
// truncates once.
func (w *alignedWriter) finalize() error {
	if w.finalized {
		return nil
	}
	if len(w.pending) > 0 {
		padded := make([]byte, w.block)
		copy(padded, w.pending)
		if _, err := w.file.Write(padded); err != nil {
			return err
		}
		w.pending = nil
	}
	if err := w.file.Truncate(int64(w.size)); err != nil {
		return err
	}
	w.finalized = true
	return nil
}

func (w *alignedWriter) Sync() error {
	if err := w.finalize(); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *alignedWriter) Close() error {
	if err := w.finalize(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *alignedWriter) Size() uint64 {
	return w.size
}

// plainWriter is the portable fallback: a regular buffered *os.File with no
// alignment requirements.
type plainWriter struct {
	file *os.File
	size uint64
}

func newPlainWriter(path string) (*plainWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &plainWriter{file: file, size: uint64(stat.Size())}, nil
}

func (w *plainWriter) Write(buf []byte) (uint64, error) {
	offset := w.size
	if len(buf) == 0 {
		return offset, nil
	}
	if _, err := w.file.Write(buf); err != nil {
		return offset, err
	}
	w.size += uint64(len(buf))
	return offset, nil
}

func (w *plainWriter) Sync() error {
	return w.file.Sync()
}

func (w *plainWriter) Close() error {
	return w.file.Close()
}

func (w *plainWriter) Size() uint64 {
	return w.size
}
