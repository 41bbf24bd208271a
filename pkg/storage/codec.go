package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/orderbook"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/transaction"
)

// StoredRecord is a record with its position in the journal.
type StoredRecord struct {
	Seq uint64 `json:"seq"`
	events.Record
}

// nodeValue stores orders in their signed wire form so the journal stays readable.
type nodeValue struct {
	Order *transaction.SignedOrder `json:"order"`
	Next  order.ID                 `json:"next"`
}

func encodeNode(e orderbook.Entry) ([]byte, error) {
	return json.Marshal(nodeValue{Order: transaction.FromOrder(e.Order), Next: e.Next})
}

func decodeNode(id order.ID, data []byte) (orderbook.Entry, error) {
	var v nodeValue
	if err := json.Unmarshal(data, &v); err != nil {
		return orderbook.Entry{}, fmt.Errorf("failed to unmarshal node %s: %w", id.Hex(), err)
	}
	if v.Order == nil {
		return orderbook.Entry{}, fmt.Errorf("node %s has no order", id.Hex())
	}
	o, err := v.Order.ToOrder()
	if err != nil {
		return orderbook.Entry{}, fmt.Errorf("node %s: %w", id.Hex(), err)
	}
	return orderbook.Entry{ID: id, Order: o, Next: v.Next}, nil
}

func encodeSeq(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
