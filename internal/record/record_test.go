package record

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{Key: []byte("a"), Value: []byte("1"), Timestamp: 1, TTL: 0},
		{Key: []byte("hello"), Value: []byte("world"), Timestamp: 123456789, TTL: 60},
		{Key: []byte("deleted"), Value: nil, Timestamp: 42, Tombstone: true},
		{Key: []byte("empty-value"), Value: []byte{}, Timestamp: 7},
		{Key: bytes.Repeat([]byte{'k'}, MaxKeyLen), Value: bytes.Repeat([]byte{'v'}, 1<<16), Timestamp: 99},
	}

	for _, rec := range cases {
		buf, err := Encode(rec)
		require.NoError(t, err)

		got, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, rec.Key, got.Key)
		// The frame stores only a value length, so an empty value, nil or
		// not, always decodes as nil.
		wantValue := rec.Value
		if len(wantValue) == 0 {
			wantValue = nil
		}
		require.Equal(t, wantValue, got.Value)
		require.Equal(t, rec.Timestamp, got.Timestamp)
		require.Equal(t, rec.TTL, got.TTL)
		require.Equal(t, rec.Tombstone, got.Tombstone)
	}
}

func TestEncodeKeyTooLarge(t *testing.T) {
	_, err := Encode(Record{Key: bytes.Repeat([]byte{'k'}, MaxKeyLen+1)})
	require.ErrorIs(t, err, ErrKeyTooLarge)
}

func TestDecodeCorruptCRC(t *testing.T) {
	rec := Record{Key: []byte("a"), Value: []byte("b"), Timestamp: 1}
	buf, err := Encode(rec)
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF // flip a bit inside the value

	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeTruncated(t *testing.T) {
	rec := Record{Key: []byte("a"), Value: []byte("bcdef"), Timestamp: 1}
	buf, err := Encode(rec)
	require.NoError(t, err)

	_, err = Decode(buf[:len(buf)-2])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestStreamDecoderStopsAtTruncatedTail(t *testing.T) {
	var buf bytes.Buffer
	records := []Record{
		{Key: []byte("a"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("2"), Timestamp: 2},
	}
	for _, rec := range records {
		encoded, err := Encode(rec)
		require.NoError(t, err)
		buf.Write(encoded)
	}

	// Simulate a crash mid-append of a third record.
	partial, err := Encode(Record{Key: []byte("c"), Value: []byte("333333"), Timestamp: 3})
	require.NoError(t, err)
	buf.Write(partial[:len(partial)-3])

	dec := NewStreamDecoder(&buf, 0)

	rec1, off1, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(0), off1)
	require.Equal(t, "a", string(rec1.Key))

	rec2, off2, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, records[0].Size(), uint32(off2))
	require.Equal(t, "b", string(rec2.Key))

	_, _, err = dec.Next()
	require.ErrorIs(t, err, ErrTruncated)
}

func TestStreamDecoderCleanEOF(t *testing.T) {
	var buf bytes.Buffer
	encoded, err := Encode(Record{Key: []byte("a"), Value: []byte("1"), Timestamp: 1})
	require.NoError(t, err)
	buf.Write(encoded)

	dec := NewStreamDecoder(&buf, 0)
	_, _, err = dec.Next()
	require.NoError(t, err)

	_, _, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestRecordExpired(t *testing.T) {
	rec := Record{Timestamp: 1_000_000, TTL: 1} // expires at 2_000_000 micros
	require.False(t, rec.Expired(1_500_000))
	require.True(t, rec.Expired(2_000_000))
	require.True(t, rec.Expired(3_000_000))

	noTTL := Record{Timestamp: 1, TTL: 0}
	require.False(t, noTTL.Expired(1<<62))
}

func TestHashIsDeterministic(t *testing.T) {
	h1 := Hash([]byte("same-key"))
	h2 := Hash([]byte("same-key"))
	require.Equal(t, h1, h2)

	h3 := Hash([]byte("different-key"))
	require.NotEqual(t, h1, h3)
}
