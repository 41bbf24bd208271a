package p2p

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/transaction"
)

const wireVersion = 1

var ErrWireVersion = errors.New("unsupported wire version")

// OrderWire is the gossip envelope for one signed order.
type OrderWire struct {
	Version uint8                    `json:"v"`
	Order   *transaction.SignedOrder `json:"order"`
	SentAt  int64                    `json:"sentAt"` // unix millis, informational
}

func encodeOrder(o *transaction.SignedOrder, sentAt int64) ([]byte, error) {
	return json.Marshal(OrderWire{Version: wireVersion, Order: o, SentAt: sentAt})
}

// decodeOrder parses an envelope and checks the order's structure.
func decodeOrder(data []byte) (*transaction.SignedOrder, error) {
	var w OrderWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order wire: %w", err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("%w: %d", ErrWireVersion, w.Version)
	}
	if w.Order == nil {
		return nil, errors.New("order wire carries no order")
	}
	if err := w.Order.Validate(); err != nil {
		return nil, err
	}
	return w.Order, nil
}
