package index

import (
	"github.com/dolthub/swiss"

	"shardkv/internal/record"
)

// swissIndex is the default Index backend: an open-addressing hash map with
// no iteration-order guarantee, grounded on raciott-FinKV's SwissIndex, which
// wraps the same github.com/dolthub/swiss map for its own sharded index.
// Unlike FinKV's version this one carries no mutex: it is only ever touched
// from a DataStore's single owner goroutine.
type swissIndex struct {
	m *swiss.Map[record.KeyHash, Entry]
}

func newSwissIndex(sizeHint uint32) *swissIndex {
	if sizeHint == 0 {
		sizeHint = 1 << 10
	}
	return &swissIndex{m: swiss.NewMap[record.KeyHash, Entry](sizeHint)}
}

func (s *swissIndex) Get(hash record.KeyHash) (Entry, bool) {
	return s.m.Get(hash)
}

func (s *swissIndex) Upsert(e Entry) (*Entry, bool) {
	if existing, ok := s.m.Get(e.Hash); ok {
		if e.Timestamp < existing.Timestamp {
			return nil, true
		}
		prev := existing
		s.m.Put(e.Hash, e)
		return &prev, false
	}
	s.m.Put(e.Hash, e)
	return nil, false
}

func (s *swissIndex) Remove(hash record.KeyHash) {
	s.m.Delete(hash)
}

func (s *swissIndex) Len() int {
	return s.m.Count()
}

func (s *swissIndex) Clear() {
	s.m.Clear()
}
