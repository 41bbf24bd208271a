// Package events defines the records the engine emits and fans them out to subscribers.
package events

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
)

type Kind string

const (
	KindOrderRegistered  Kind = "LimitOrderRegistered"
	KindOrderCancelled   Kind = "OrderCancelled"
	KindOrderFilled      Kind = "OrderFilled"
	KindLiquidationError Kind = "LiquidationError"
	KindLiquidated       Kind = "Liquidated"
	KindStakeReclaimed   Kind = "StakeReclaimed"
	KindStakeReturned    Kind = "StakeReturned"
)

// Cancellation reasons carried by OrderCancelled.
const (
	ReasonInsufficientBalance   = "insufficient_balance"
	ReasonInsufficientAllowance = "insufficient_allowance"
	ReasonNonceInvalid          = "nonce_invalid"
	ReasonExpired               = "expired"
	ReasonSignatoryRevoked      = "signatory_revoked"
	ReasonDomainRevoked         = "domain_revoked"
	ReasonSwapFailed            = "swap_failed"
)

// Record is one emitted log entry. Fields not used by a kind are left empty.
type Record struct {
	Kind        Kind            `json:"kind"`
	OrderID     *order.ID       `json:"orderId,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	DebtAmount  *big.Int        `json:"debtAmount,omitempty"`
	StakeAmount *big.Int        `json:"stakeAmount,omitempty"`
	Account     *common.Address `json:"account,omitempty"`
	RunID       string          `json:"runId,omitempty"`
	Time        int64           `json:"time"`
}

func idRef(id order.ID) *order.ID { return &id }

func OrderRegistered(id order.ID) Record {
	return Record{Kind: KindOrderRegistered, OrderID: idRef(id)}
}

func OrderCancelled(id order.ID, reason string) Record {
	return Record{Kind: KindOrderCancelled, OrderID: idRef(id), Reason: reason}
}

func OrderFilled(id order.ID, debt, stake *big.Int) Record {
	return Record{Kind: KindOrderFilled, OrderID: idRef(id), DebtAmount: debt, StakeAmount: stake}
}

func LiquidationError(id order.ID) Record {
	return Record{Kind: KindLiquidationError, OrderID: idRef(id)}
}

func Liquidated(debt, stake *big.Int) Record {
	return Record{Kind: KindLiquidated, DebtAmount: debt, StakeAmount: stake}
}

func StakeReclaimed(beneficiary common.Address, amount *big.Int) Record {
	return Record{Kind: KindStakeReclaimed, Account: &beneficiary, StakeAmount: amount}
}

func StakeReturned(from common.Address, amount *big.Int) Record {
	return Record{Kind: KindStakeReturned, Account: &from, StakeAmount: amount}
}

// Log accumulates the records of one call.
type Log struct {
	runID   string
	now     time.Time
	records []Record
}

func NewLog(runID string, now time.Time) *Log {
	return &Log{runID: runID, now: now}
}

func (l *Log) Add(r Record) {
	r.RunID = l.runID
	r.Time = l.now.Unix()
	l.records = append(l.records, r)
}

func (l *Log) Records() []Record { return l.records }

// Sink receives the records of one call at once, in emission order.
type Sink interface {
	Emit(records []Record)
}

type SinkFunc func(records []Record)

func (f SinkFunc) Emit(records []Record) { f(records) }

// Bus fans records out to subscribers registered at any time.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Bus) Emit(records []Record) {
	if len(records) == 0 {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		s.Emit(records)
	}
}
