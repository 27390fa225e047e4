// Package record implements the on-disk record frame codec: the only binary
// format the storage engine speaks. Everything above this package works with
// Record values; nothing above this package knows the byte layout.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout (little-endian), see SPEC_FULL.md section 6:
//
//	magic       4B
//	crc32c      4B  (covers everything below)
//	timestamp   8B
//	ttl_seconds 4B
//	flags       1B  (bit 0 = tombstone)
//	key_len     2B
//	value_len   4B
//	key         key_len B
//	value       value_len B
const (
	magicValue = uint32(0x42525731) // "BRW1"

	headerSize = 4 + 4 + 8 + 4 + 1 + 2 + 4
	// crcCoveredOffset is the offset of the first byte covered by the CRC,
	// i.e. everything after the magic+crc32c prefix.
	crcCoveredOffset = 8

	// MaxKeyLen is the largest key this format can represent (the length is
	// stored in 2 bytes but the spec additionally caps it at 250).
	MaxKeyLen = 250
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Flag bits within the frame's single flags byte.
const flagTombstone = 1 << 0

var (
	// ErrCorrupt is returned when a frame's CRC does not match its contents,
	// or a length field would overflow the remaining data.
	ErrCorrupt = errors.New("record: corrupt frame")
	// ErrTruncated is returned when a frame is cut short, e.g. by a crash
	// mid-append. Recovery treats this as end-of-file, not a hard failure.
	ErrTruncated = errors.New("record: truncated frame")
	// ErrKeyTooLarge is returned by Encode when the key exceeds MaxKeyLen.
	ErrKeyTooLarge = errors.New("record: key exceeds maximum length")
)

// Record is a single user-facing key/value entry, as described in
// SPEC_FULL.md section 3. Equality of records is by Key.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
	TTL       uint32
	Tombstone bool
}

// Size returns the number of bytes Record occupies once encoded.
func (r Record) Size() uint32 {
	return uint32(headerSize) + uint32(len(r.Key)) + uint32(len(r.Value))
}

// Expired reports whether the record has passed its TTL as of now.
func (r Record) Expired(now uint64) bool {
	if r.TTL == 0 {
		return false
	}
	expiry := r.Timestamp + uint64(r.TTL)*1_000_000
	return now >= expiry
}

// Encode serializes r into a fresh byte slice.
func Encode(r Record) ([]byte, error) {
	if len(r.Key) > MaxKeyLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(r.Key))
	}

	buf := make([]byte, r.Size())
	writeBody(buf[crcCoveredOffset:], r)
	binary.LittleEndian.PutUint32(buf[0:4], magicValue)
	crc := crc32.Checksum(buf[crcCoveredOffset:], castagnoliTable)
	binary.LittleEndian.PutUint32(buf[4:8], crc)
	return buf, nil
}

// EncodeInto serializes r into dst, which must be at least r.Size() bytes,
// and returns the number of bytes written. Unlike Encode it does not
// allocate; the disktable write path currently uses Encode.
func EncodeInto(dst []byte, r Record) (int, error) {
	if len(r.Key) > MaxKeyLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(r.Key))
	}
	size := int(r.Size())
	if len(dst) < size {
		return 0, fmt.Errorf("record: dst too small: have %d need %d", len(dst), size)
	}
	writeBody(dst[crcCoveredOffset:size], r)
	binary.LittleEndian.PutUint32(dst[0:4], magicValue)
	crc := crc32.Checksum(dst[crcCoveredOffset:size], castagnoliTable)
	binary.LittleEndian.PutUint32(dst[4:8], crc)
	return size, nil
}

func writeBody(dst []byte, r Record) {
	var flags uint8
	if r.Tombstone {
		flags |= flagTombstone
	}

	binary.LittleEndian.PutUint64(dst[0:8], r.Timestamp)
	binary.LittleEndian.PutUint32(dst[8:12], r.TTL)
	dst[12] = flags
	binary.LittleEndian.PutUint16(dst[13:15], uint16(len(r.Key)))
	binary.LittleEndian.PutUint32(dst[15:19], uint32(len(r.Value)))
	n := copy(dst[headerSize-crcCoveredOffset:], r.Key)
	copy(dst[headerSize-crcCoveredOffset+n:], r.Value)
}

// Decode parses a single complete frame from buf. buf may be longer than the
// frame; any trailing bytes are ignored by the caller.
func Decode(buf []byte) (Record, error) {
	if len(buf) < headerSize {
		return Record{}, ErrTruncated
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != magicValue {
		return Record{}, ErrTruncated
	}
	wantCRC := binary.LittleEndian.Uint32(buf[4:8])

	keyLen := binary.LittleEndian.Uint16(buf[headerSize-6 : headerSize-4])
	valueLen := binary.LittleEndian.Uint32(buf[headerSize-4 : headerSize])
	total := headerSize + int(keyLen) + int(valueLen)
	if len(buf) < total {
		return Record{}, ErrTruncated
	}

	gotCRC := crc32.Checksum(buf[crcCoveredOffset:total], castagnoliTable)
	if gotCRC != wantCRC {
		return Record{}, ErrCorrupt
	}

	timestamp := binary.LittleEndian.Uint64(buf[8:16])
	ttl := binary.LittleEndian.Uint32(buf[16:20])
	tombstone := buf[20]&flagTombstone != 0

	key := make([]byte, keyLen)
	copy(key, buf[headerSize:headerSize+int(keyLen)])
	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		copy(value, buf[headerSize+int(keyLen):total])
	}

	return Record{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
		TTL:       ttl,
		Tombstone: tombstone,
	}, nil
}

// StreamDecoder decodes consecutive frames from a reader, stopping cleanly at
// a truncated tail. Used during disktable recovery, where a crash may have
// left a partial frame at the end of the file.
type StreamDecoder struct {
	r      io.Reader
	offset uint64
	header [headerSize]byte
}

// NewStreamDecoder returns a decoder that reads frames from r starting at
// startOffset (the caller is responsible for having seeked r there).
func NewStreamDecoder(r io.Reader, startOffset uint64) *StreamDecoder {
	return &StreamDecoder{r: r, offset: startOffset}
}

// Next returns the next frame and the offset it started at. It returns
// io.EOF when the stream ends cleanly on a frame boundary, and ErrTruncated
// when a partial frame is found at the tail (both are treated as "stop
// reading" by recovery, but ErrTruncated is logged).
func (d *StreamDecoder) Next() (rec Record, offset uint64, err error) {
	startOffset := d.offset

	n, err := io.ReadFull(d.r, d.header[:])
	if err == io.EOF && n == 0 {
		return Record{}, startOffset, io.EOF
	}
	if err != nil {
		return Record{}, startOffset, ErrTruncated
	}

	magic := binary.LittleEndian.Uint32(d.header[0:4])
	if magic != magicValue {
		return Record{}, startOffset, ErrTruncated
	}
	wantCRC := binary.LittleEndian.Uint32(d.header[4:8])
	keyLen := binary.LittleEndian.Uint16(d.header[headerSize-6 : headerSize-4])
	valueLen := binary.LittleEndian.Uint32(d.header[headerSize-4 : headerSize])

	body := make([]byte, int(keyLen)+int(valueLen))
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Record{}, startOffset, ErrTruncated
	}

	full := make([]byte, headerSize-crcCoveredOffset+len(body))
	copy(full, d.header[crcCoveredOffset:])
	copy(full[headerSize-crcCoveredOffset:], body)
	gotCRC := crc32.Checksum(full, castagnoliTable)
	if gotCRC != wantCRC {
		return Record{}, startOffset, ErrCorrupt
	}

	timestamp := binary.LittleEndian.Uint64(d.header[8:16])
	ttl := binary.LittleEndian.Uint32(d.header[16:20])
	tombstone := d.header[20]&flagTombstone != 0

	key := make([]byte, keyLen)
	copy(key, body[:keyLen])
	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		copy(value, body[keyLen:])
	}

	d.offset += uint64(headerSize) + uint64(len(body))

	return Record{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
		TTL:       ttl,
		Tombstone: tombstone,
	}, startOffset, nil
}
