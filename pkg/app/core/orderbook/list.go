// Package orderbook keeps admitted orders in a singly-linked list sorted by signer amount,
// best first, FIFO among equal amounts. Nodes live in an arena keyed by order id; predecessors
// are tracked by the cursor during traversal instead of being stored per node.
package orderbook

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
)

var (
	ErrDuplicate    = errors.New("order already listed")
	ErrNotListed    = errors.New("order not listed")
	ErrNullID       = errors.New("null order id")
	ErrNotSuccessor = errors.New("target does not follow predecessor")
	ErrCorrupt      = errors.New("order list corrupt")
)

type node struct {
	order *order.Order
	next  order.ID
}

// List is not safe for concurrent use; the engine serialises access.
type List struct {
	nodes map[order.ID]*node
	head  order.ID

	dirty   map[order.ID]struct{}
	deleted map[order.ID]struct{}
}

func NewList() *List {
	return &List{
		nodes:   make(map[order.ID]*node),
		dirty:   make(map[order.ID]struct{}),
		deleted: make(map[order.ID]struct{}),
	}
}

func (l *List) Len() int { return len(l.nodes) }

// Head returns the best order id, or false when the list is empty.
func (l *List) Head() (order.ID, bool) {
	return l.head, l.head != order.None
}

// Next returns the successor of id. Next(order.None) is the head.
func (l *List) Next(id order.ID) (order.ID, bool) {
	nxt := l.successor(id)
	return nxt, nxt != order.None
}

func (l *List) Get(id order.ID) (*order.Order, bool) {
	n, ok := l.nodes[id]
	if !ok {
		return nil, false
	}
	return n.order, true
}

func (l *List) Contains(id order.ID) bool {
	_, ok := l.nodes[id]
	return ok
}

func (l *List) successor(id order.ID) order.ID {
	if id == order.None {
		return l.head
	}
	if n, ok := l.nodes[id]; ok {
		return n.next
	}
	return order.None
}

func (l *List) link(prev, target order.ID) {
	if prev == order.None {
		l.head = target
		return
	}
	l.nodes[prev].next = target
	l.touch(prev)
}

func (l *List) touch(id order.ID) {
	delete(l.deleted, id)
	l.dirty[id] = struct{}{}
}

// Insert splices o in after every order whose signer amount is at least as large.
func (l *List) Insert(id order.ID, o *order.Order) error {
	if id == order.None {
		return ErrNullID
	}
	if l.Contains(id) {
		return fmt.Errorf("%w: %s", ErrDuplicate, id.Hex())
	}

	amount := o.SignerAmount()
	prev := order.None
	curr := l.head
	for curr != order.None && l.nodes[curr].order.SignerAmount().Cmp(amount) >= 0 {
		prev = curr
		curr = l.nodes[curr].next
	}

	l.nodes[id] = &node{order: o, next: curr}
	l.touch(id)
	l.link(prev, id)
	return nil
}

// Remove unlinks target, which must be the successor of prev (order.None for the head).
func (l *List) Remove(prev, target order.ID) error {
	n, ok := l.nodes[target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotListed, target.Hex())
	}
	if l.successor(prev) != target {
		return fmt.Errorf("%w: %s after %s", ErrNotSuccessor, target.Hex(), prev.Hex())
	}
	l.link(prev, n.next)
	delete(l.nodes, target)
	delete(l.dirty, target)
	l.deleted[target] = struct{}{}
	return nil
}

// Cursor walks the list from the head and supports removing the current node in O(1).
// A cursor is single-use; a new walk always restarts at the head.
type Cursor struct {
	list    *List
	prev    order.ID
	curr    order.ID
	stepped bool
}

func (l *List) Walk() *Cursor {
	return &Cursor{list: l}
}

// Next advances to the following node and reports whether one exists.
func (c *Cursor) Next() bool {
	if c.stepped {
		c.prev = c.curr
	}
	c.curr = c.list.successor(c.prev)
	c.stepped = true
	return c.curr != order.None
}

// More reports whether Next would find another node.
func (c *Cursor) More() bool {
	from := c.prev
	if c.stepped {
		from = c.curr
	}
	return c.list.successor(from) != order.None
}

func (c *Cursor) ID() order.ID { return c.curr }

func (c *Cursor) Prev() order.ID { return c.prev }

func (c *Cursor) Order() *order.Order {
	o, _ := c.list.Get(c.curr)
	return o
}

// Remove unlinks the current node. The following Next yields its former successor.
func (c *Cursor) Remove() error {
	if !c.stepped || c.curr == order.None {
		return ErrNotListed
	}
	if err := c.list.Remove(c.prev, c.curr); err != nil {
		return err
	}
	c.stepped = false
	return nil
}

// Entry is a node as seen from outside the list.
type Entry struct {
	ID    order.ID
	Order *order.Order
	Next  order.ID
}

// Entries returns up to limit nodes from the head (limit <= 0 means all).
func (l *List) Entries(limit int) []Entry {
	out := make([]Entry, 0, l.Len())
	for id := l.head; id != order.None; id = l.nodes[id].next {
		if limit > 0 && len(out) == limit {
			break
		}
		n := l.nodes[id]
		out = append(out, Entry{ID: id, Order: n.order, Next: n.next})
	}
	return out
}

// Validate walks the whole list and checks it is acyclic, sorted, and covers every node.
func (l *List) Validate() error {
	seen := make(map[order.ID]struct{}, len(l.nodes))
	var prev *order.Order
	for id := l.head; id != order.None; {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: cycle at %s", ErrCorrupt, id.Hex())
		}
		n, ok := l.nodes[id]
		if !ok {
			return fmt.Errorf("%w: dangling link to %s", ErrCorrupt, id.Hex())
		}
		if prev != nil && prev.SignerAmount().Cmp(n.order.SignerAmount()) < 0 {
			return fmt.Errorf("%w: %s out of order", ErrCorrupt, id.Hex())
		}
		seen[id] = struct{}{}
		prev = n.order
		id = n.next
	}
	if len(seen) != len(l.nodes) {
		return fmt.Errorf("%w: %d unreachable nodes", ErrCorrupt, len(l.nodes)-len(seen))
	}
	return nil
}
