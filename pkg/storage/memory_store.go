package storage

import (
	"sync"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/orderbook"
)

// MemoryStore keeps the journal in process memory. Used when no DB path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	head    order.ID
	nodes   map[order.ID]orderbook.Entry
	records []StoredRecord
	nonce   uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[order.ID]orderbook.Entry)}
}

func (s *MemoryStore) LoadOrders() (*orderbook.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]orderbook.Entry, 0, len(s.nodes))
	for _, e := range s.nodes {
		e.Order = e.Order.Clone()
		entries = append(entries, e)
	}
	return orderbook.Restore(s.head, entries)
}

func (s *MemoryStore) Commit(changes orderbook.Changes, records []events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = changes.Head
	for _, e := range changes.Upserts {
		e.Order = e.Order.Clone()
		s.nodes[e.ID] = e
	}
	for _, id := range changes.Deletes {
		delete(s.nodes, id)
	}
	for _, r := range records {
		s.records = append(s.records, StoredRecord{Seq: uint64(len(s.records)) + 1, Record: r})
	}
	return nil
}

func (s *MemoryStore) LoadEvents(after uint64, limit int) ([]StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if after >= uint64(len(s.records)) {
		return nil, nil
	}
	out := s.records[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]StoredRecord(nil), out...), nil
}

func (s *MemoryStore) OwnerNonce() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce, nil
}

func (s *MemoryStore) SetOwnerNonce(nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce = nonce
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
