package api

import (
	"math/big"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/transaction"
	"github.com/uhyunpark/stakeliquidator/pkg/storage"
)

// API request and response types for REST endpoints and WebSocket messages.
// Token amounts travel as decimal strings in base units.

// ==============================
// REST Response Types
// ==============================

// EngineInfo describes the engine this node serves.
type EngineInfo struct {
	Address string `json:"address"`
	Owner   string `json:"owner"`
	Pool    string `json:"pool"`
	Depth   int    `json:"depth"`
}

// OrderInfo is one listed order with its successor link.
type OrderInfo struct {
	ID    string                   `json:"id"`
	Next  string                   `json:"next"`
	Order *transaction.SignedOrder `json:"order"`
}

type OrdersResponse struct {
	Orders []OrderInfo `json:"orders"`
	Depth  int         `json:"depth"`
}

// LinkResponse answers head and next queries. ID is the zero hash when there is no order.
type LinkResponse struct {
	ID    string `json:"id"`
	Found bool   `json:"found"`
}

// SubmitOrderResponse is the response from order registration
type SubmitOrderResponse struct {
	Status  string `json:"status"` // "registered"
	OrderID string `json:"orderId"`
}

type NonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

type LiquidateResponse struct {
	RunID           string       `json:"runId"`
	DebtPaid        string       `json:"debtPaid"`
	StakeUsed       string       `json:"stakeUsed"`
	StakeReturned   string       `json:"stakeReturned"`
	AMMDebt         string       `json:"ammDebt"`
	AMMError        string       `json:"ammError,omitempty"`
	OrdersFilled    int          `json:"ordersFilled"`
	OrdersFailed    int          `json:"ordersFailed"`
	BudgetUsed      uint64       `json:"budgetUsed"`
	BudgetExhausted bool         `json:"budgetExhausted"`
	Records         []RecordInfo `json:"records"`
}

type PruneResponse struct {
	RunID           string       `json:"runId"`
	Removed         []string     `json:"removed"`
	Visited         int          `json:"visited"`
	BudgetUsed      uint64       `json:"budgetUsed"`
	BudgetExhausted bool         `json:"budgetExhausted"`
	Records         []RecordInfo `json:"records"`
}

// RecordInfo is the wire form of an emitted record. Seq is set for journaled records only.
type RecordInfo struct {
	Seq         uint64 `json:"seq,omitempty"`
	Kind        string `json:"kind"`
	OrderID     string `json:"orderId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	DebtAmount  string `json:"debtAmount,omitempty"`
	StakeAmount string `json:"stakeAmount,omitempty"`
	Account     string `json:"account,omitempty"`
	RunID       string `json:"runId,omitempty"`
	Time        int64  `json:"time"`
}

type EventsResponse struct {
	Records []RecordInfo `json:"records"`
	Next    uint64       `json:"next"` // pass as ?after= to continue
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// NOTE: order registration takes a transaction.SignedOrder body as-is.

// ActionAuth carries the owner's signature over "<ACTION>:<engine>:<nonce>:<args...>".
type ActionAuth struct {
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature" validate:"required,hexadecimal,len=132"`
}

// LiquidateRequest is the payload for POST /api/v1/liquidate
type LiquidateRequest struct {
	Amount      string `json:"amount" validate:"required,number"`
	Beneficiary string `json:"beneficiary" validate:"required,eth_addr"`
	Budget      uint64 `json:"budget,omitempty"` // zero uses the node default
	ActionAuth
}

// ReclaimStakeRequest is the payload for POST /api/v1/stake/reclaim
type ReclaimStakeRequest struct {
	Amount      string `json:"amount" validate:"required,number"`
	Beneficiary string `json:"beneficiary" validate:"required,eth_addr"`
	ActionAuth
}

// SetPoolRequest is the payload for POST /api/v1/pool
type SetPoolRequest struct {
	Pool string `json:"pool" validate:"required,eth_addr"`
	ActionAuth
}

// PruneRequest is the optional payload for POST /api/v1/prune
type PruneRequest struct {
	Budget uint64 `json:"budget,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients to manage subscriptions
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

// RecordUpdate is broadcast on the "records" channel for every emitted record
type RecordUpdate struct {
	Type string `json:"type"` // "record"
	RecordInfo
}

// ==============================
// Conversions
// ==============================

func amountString(x *big.Int) string {
	if x == nil {
		return ""
	}
	return x.String()
}

func toRecordInfo(r events.Record) RecordInfo {
	info := RecordInfo{
		Kind:        string(r.Kind),
		Reason:      r.Reason,
		DebtAmount:  amountString(r.DebtAmount),
		StakeAmount: amountString(r.StakeAmount),
		RunID:       r.RunID,
		Time:        r.Time,
	}
	if r.OrderID != nil {
		info.OrderID = r.OrderID.Hex()
	}
	if r.Account != nil {
		info.Account = r.Account.Hex()
	}
	return info
}

func toRecordInfos(records []events.Record) []RecordInfo {
	out := make([]RecordInfo, len(records))
	for i, r := range records {
		out[i] = toRecordInfo(r)
	}
	return out
}

func storedRecordInfos(stored []storage.StoredRecord) []RecordInfo {
	out := make([]RecordInfo, len(stored))
	for i, s := range stored {
		out[i] = toRecordInfo(s.Record)
		out[i].Seq = s.Seq
	}
	return out
}
