// Package storage journals the order list and emitted records so a restarted node resumes
// with the same list and an unbroken record history.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/orderbook"
)

// Store is what the node needs from a journal.
type Store interface {
	LoadOrders() (*orderbook.List, error)
	Commit(changes orderbook.Changes, records []events.Record) error
	LoadEvents(after uint64, limit int) ([]StoredRecord, error)
	OwnerNonce() (uint64, error)
	SetOwnerNonce(nonce uint64) error
	Close() error
}

type PebbleStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	seq uint64
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	s := &PebbleStore{db: db}

	val, closer, err := db.Get(seqKey())
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("failed to read record sequence: %w", err)
	default:
		s.seq = decodeSeq(val)
		closer.Close()
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// LoadOrders rebuilds the order list and validates its links.
func (s *PebbleStore) LoadOrders() (*orderbook.List, error) {
	head := order.None
	val, closer, err := s.db.Get(headKey())
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}
	if err == nil {
		copy(head[:], val)
		closer.Close()
	}

	prefix := []byte(prefixNode)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open node iterator: %w", err)
	}
	defer iter.Close()

	var entries []orderbook.Entry
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := parseNodeKey(iter.Key())
		if err != nil {
			return nil, err
		}
		e, err := decodeNode(id, iter.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	list, err := orderbook.Restore(head, entries)
	if err != nil {
		return nil, fmt.Errorf("failed to restore order list: %w", err)
	}
	return list, nil
}

// Commit writes list changes and records in one synced batch.
func (s *PebbleStore) Commit(changes orderbook.Changes, records []events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(headKey(), changes.Head.Bytes(), nil); err != nil {
		return fmt.Errorf("failed to stage head: %w", err)
	}
	for _, e := range changes.Upserts {
		data, err := encodeNode(e)
		if err != nil {
			return fmt.Errorf("failed to marshal node: %w", err)
		}
		if err := b.Set(nodeKey(e.ID), data, nil); err != nil {
			return fmt.Errorf("failed to stage node: %w", err)
		}
	}
	for _, id := range changes.Deletes {
		if err := b.Delete(nodeKey(id), nil); err != nil {
			return fmt.Errorf("failed to stage delete: %w", err)
		}
	}

	seq := s.seq
	for _, r := range records {
		seq++
		data, err := json.Marshal(StoredRecord{Seq: seq, Record: r})
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := b.Set(eventKey(seq), data, nil); err != nil {
			return fmt.Errorf("failed to stage record: %w", err)
		}
	}
	if err := b.Set(seqKey(), encodeSeq(seq), nil); err != nil {
		return fmt.Errorf("failed to stage sequence: %w", err)
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	s.seq = seq
	return nil
}

// LoadEvents returns up to limit records with sequence greater than after, oldest first.
// limit <= 0 returns all of them.
func (s *PebbleStore) LoadEvents(after uint64, limit int) ([]StoredRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open record iterator: %w", err)
	}
	defer iter.Close()

	var out []StoredRecord
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		var r StoredRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, r)
	}
	return out, nil
}

// OwnerNonce returns the next owner action nonce, zero when none was stored.
func (s *PebbleStore) OwnerNonce() (uint64, error) {
	val, closer, err := s.db.Get(ownerNonceKey())
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get owner nonce: %w", err)
	}
	defer closer.Close()
	return decodeSeq(val), nil
}

func (s *PebbleStore) SetOwnerNonce(nonce uint64) error {
	if err := s.db.Set(ownerNonceKey(), encodeSeq(nonce), pebble.Sync); err != nil {
		return fmt.Errorf("failed to set owner nonce: %w", err)
	}
	return nil
}

func parseNodeKey(key []byte) (order.ID, error) {
	hexID := string(key[len(prefixNode):])
	var id order.ID
	if err := id.UnmarshalText([]byte(hexID)); err != nil {
		return order.None, fmt.Errorf("bad node key %q: %w", key, err)
	}
	return id, nil
}

var _ Store = (*PebbleStore)(nil)
