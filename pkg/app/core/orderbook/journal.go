package orderbook

import (
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
)

// Changes is everything mutated since the previous Flush, ready to be written in one batch.
type Changes struct {
	Head    order.ID
	Upserts []Entry
	Deletes []order.ID
}

func (c Changes) Empty() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0
}

// Flush returns and clears the pending changes.
func (l *List) Flush() Changes {
	ch := Changes{Head: l.head}
	for id := range l.dirty {
		n := l.nodes[id]
		ch.Upserts = append(ch.Upserts, Entry{ID: id, Order: n.order, Next: n.next})
	}
	for id := range l.deleted {
		ch.Deletes = append(ch.Deletes, id)
	}
	l.dirty = make(map[order.ID]struct{})
	l.deleted = make(map[order.ID]struct{})
	return ch
}

// Requeue marks the ids of an unwritten change set pending again, so the next Flush
// carries them. Each id is rewritten from its current state, not the stale one in ch.
func (l *List) Requeue(ch Changes) {
	requeue := func(id order.ID) {
		if _, ok := l.nodes[id]; ok {
			l.dirty[id] = struct{}{}
			delete(l.deleted, id)
		} else {
			l.deleted[id] = struct{}{}
			delete(l.dirty, id)
		}
	}
	for _, e := range ch.Upserts {
		requeue(e.ID)
	}
	for _, id := range ch.Deletes {
		requeue(id)
	}
}

// Restore rebuilds a list from persisted nodes and validates it.
func Restore(head order.ID, entries []Entry) (*List, error) {
	l := NewList()
	for _, e := range entries {
		if e.ID == order.None {
			return nil, ErrNullID
		}
		l.nodes[e.ID] = &node{order: e.Order, next: e.Next}
	}
	l.head = head
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}
