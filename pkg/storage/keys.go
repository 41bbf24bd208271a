package storage

import (
	"fmt"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
)

// Key schema
//
//   ob:head          → id of the first order (32 bytes, absent or zero when empty)
//   ob:node:<id>     → listed order and its successor
//   ev:<seq>         → emitted record, seq zero-padded to 20 digits
//   meta:evseq       → last assigned record sequence
//   meta:ownernonce  → next owner action nonce
const (
	prefixNode  = "ob:node:"
	prefixEvent = "ev:"
)

func headKey() []byte { return []byte("ob:head") }

func seqKey() []byte { return []byte("meta:evseq") }

func ownerNonceKey() []byte { return []byte("meta:ownernonce") }

// nodeKey returns "ob:node:{id hex}".
func nodeKey(id order.ID) []byte {
	return []byte(prefixNode + id.Hex())
}

// eventKey returns "ev:{seq}" with seq zero-padded for lexicographic order.
func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
