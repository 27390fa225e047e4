package disktable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"shardkv/internal/record"
)

func TestCreateFromBatchAndReadAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.dt")

	records := []record.Record{
		{Key: []byte("a"), Value: []byte("1111"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("2222222"), Timestamp: 2},
		{Key: []byte("c"), Value: nil, Timestamp: 3, Tombstone: true},
	}
	hashes := make([]record.KeyHash, len(records))
	for i, r := range records {
		hashes[i] = record.Hash(r.Key)
	}

	dt, pointers, err := CreateFromBatch(1, path, records, hashes)
	require.NoError(t, err)
	defer dt.Close()

	require.Len(t, pointers, 3)
	require.Equal(t, uint64(1), dt.ID())
	require.Equal(t, uint64(3), dt.RecordCount())
	require.Equal(t, dt.TotalBytes(), dt.LiveBytes())

	for i, p := range pointers {
		got, err := dt.ReadAt(p.Offset, p.Size)
		require.NoError(t, err)
		require.Equal(t, records[i].Key, got.Key)
		require.Equal(t, records[i].Value, got.Value)
		require.Equal(t, records[i].Tombstone, got.Tombstone)
	}
}

func TestOpenRecoversAllRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.dt")

	records := []record.Record{
		{Key: []byte("x"), Value: []byte("111"), Timestamp: 10},
		{Key: []byte("y"), Value: []byte("222"), Timestamp: 20},
	}
	hashes := []record.KeyHash{record.Hash(records[0].Key), record.Hash(records[1].Key)}

	dt, _, err := CreateFromBatch(5, path, records, hashes)
	require.NoError(t, err)
	require.NoError(t, dt.Close())

	reopened, recovered, truncated, err := Open(5, path)
	require.NoError(t, err)
	defer reopened.Close()

	require.False(t, truncated)
	require.Len(t, recovered, 2)
	require.Equal(t, "x", string(recovered[0].Record.Key))
	require.Equal(t, "y", string(recovered[1].Record.Key))
}

func TestOpenToleratesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.dt")

	records := []record.Record{
		{Key: []byte("x"), Value: []byte("111"), Timestamp: 10},
	}
	hashes := []record.KeyHash{record.Hash(records[0].Key)}

	dt, _, err := CreateFromBatch(5, path, records, hashes)
	require.NoError(t, err)
	require.NoError(t, dt.Close())

	// Append a dangling partial frame simulating a crash mid-append.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x31, 0x57, 0x52, 0x42, 0x00, 0x00}) // magic + a few bytes
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, recovered, truncated, err := Open(5, path)
	require.NoError(t, err)
	defer reopened.Close()

	require.True(t, truncated)
	require.Len(t, recovered, 1)
}

func TestDecLiveTransitionsToDrained(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.dt")

	rec := record.Record{Key: []byte("a"), Value: []byte("1"), Timestamp: 1}
	hash := record.Hash(rec.Key)
	dt, pointers, err := CreateFromBatch(1, path, []record.Record{rec}, []record.KeyHash{hash})
	require.NoError(t, err)
	defer dt.Close()

	require.True(t, dt.MarkDraining())
	require.Equal(t, Draining, dt.State())

	dt.DecLive(pointers[0].Size)
	require.Equal(t, uint64(0), dt.LiveBytes())
	require.Equal(t, Drained, dt.State())
}

func TestMarkDrainingIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.dt")
	dt, _, err := CreateFromBatch(1, path, nil, nil)
	require.NoError(t, err)
	defer dt.Close()

	require.True(t, dt.MarkDraining())
	require.False(t, dt.MarkDraining(), "a second MarkDraining on an already-draining table is a no-op")
}

func TestUsageRatio(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.dt")

	records := []record.Record{
		{Key: []byte("a"), Value: []byte("1111111111"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("2222222222"), Timestamp: 2},
	}
	hashes := []record.KeyHash{record.Hash(records[0].Key), record.Hash(records[1].Key)}
	dt, pointers, err := CreateFromBatch(1, path, records, hashes)
	require.NoError(t, err)
	defer dt.Close()

	require.InDelta(t, 1.0, dt.UsageRatio(), 0.0001)

	dt.DecLive(pointers[0].Size)
	require.Less(t, dt.UsageRatio(), 1.0)
}
