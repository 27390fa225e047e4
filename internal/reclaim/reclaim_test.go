package reclaim

import (
	"bytes"
	"fmt"
	"log"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"shardkv/internal/disktable"
	"shardkv/internal/index"
	"shardkv/internal/record"
)

func TestSelectPicksLowestUsageRatioBelowThreshold(t *testing.T) {
	dir := t.TempDir()

	wasteful := makeDisktable(t, dir, 1, []record.Record{
		{Key: []byte("a"), Value: bytes.Repeat([]byte("x"), 100), Timestamp: 1},
		{Key: []byte("b"), Value: bytes.Repeat([]byte("x"), 100), Timestamp: 1},
	})
	wasteful.DecLive(uint32(wasteful.TotalBytes() / 2)) // ~50% live

	healthy := makeDisktable(t, dir, 2, []record.Record{
		{Key: []byte("c"), Value: []byte("y"), Timestamp: 1},
	})

	tables := map[uint64]*disktable.Disktable{1: wasteful, 2: healthy}
	picked := Select(tables, 0.9)
	require.NotNil(t, picked)
	require.Equal(t, uint64(1), picked.ID())
	require.Equal(t, disktable.Draining, picked.State())
}

func TestSelectReturnsNilWhenNoneEligible(t *testing.T) {
	dir := t.TempDir()
	healthy := makeDisktable(t, dir, 1, []record.Record{{Key: []byte("a"), Value: []byte("v"), Timestamp: 1}})
	tables := map[uint64]*disktable.Disktable{1: healthy}

	require.Nil(t, Select(tables, 0.5))
}

func TestStreamEmitsEveryRecord(t *testing.T) {
	dir := t.TempDir()
	dt := makeDisktable(t, dir, 1, []record.Record{
		{Key: []byte("a"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("2"), Timestamp: 2},
	})

	var got []Candidate
	err := Stream(dt, func(c Candidate) { got = append(got, c) })
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", string(got[0].Record.Key))
	require.Equal(t, uint64(1), got[0].DisktableID)
}

func TestIsLiveMatchesCurrentIndexLocation(t *testing.T) {
	idx := index.New(index.BackendSwiss, 16)
	h := record.Hash([]byte("a"))
	idx.Upsert(index.Entry{Hash: h, Timestamp: 1, Location: index.OnDisk(1, 50), Size: 10})

	require.True(t, IsLive(Candidate{DisktableID: 1, Offset: 50, Hash: h}, idx))
	require.False(t, IsLive(Candidate{DisktableID: 2, Offset: 50, Hash: h}, idx), "superseded by a different disktable")
	require.False(t, IsLive(Candidate{DisktableID: 1, Offset: 99, Hash: h}, idx), "superseded at a different offset")
}

func TestIsLiveFalseWhenAbsent(t *testing.T) {
	idx := index.New(index.BackendSwiss, 16)
	h := record.Hash([]byte("missing"))
	require.False(t, IsLive(Candidate{DisktableID: 1, Offset: 0, Hash: h}, idx))
}

func TestFinalizeDrainedWhenLiveBytesZero(t *testing.T) {
	dir := t.TempDir()
	dt := makeDisktable(t, dir, 1, []record.Record{{Key: []byte("a"), Value: []byte("v"), Timestamp: 1}})
	require.True(t, dt.MarkDraining())

	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	dt.DecLive(uint32(dt.TotalBytes()))
	require.True(t, Finalize(dt, logger))
	require.Empty(t, buf.String())
}

func TestFinalizeLogsResidualAndKeepsFile(t *testing.T) {
	dir := t.TempDir()
	dt := makeDisktable(t, dir, 1, []record.Record{
		{Key: []byte("a"), Value: []byte("v"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("v"), Timestamp: 1},
	})
	require.True(t, dt.MarkDraining())

	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	require.False(t, Finalize(dt, logger))
	require.Contains(t, buf.String(), "retains")
}

func makeDisktable(t *testing.T, dir string, id uint64, records []record.Record) *disktable.Disktable {
	t.Helper()
	hashes := make([]record.KeyHash, len(records))
	for i, r := range records {
		hashes[i] = record.Hash(r.Key)
	}
	path := filepath.Join(dir, fmt.Sprintf("%020d.dt", id))
	dt, _, err := disktable.CreateFromBatch(id, path, records, hashes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dt.Close() })
	return dt
}
