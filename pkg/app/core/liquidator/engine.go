// Package liquidator is the order-book liquidation engine. It admits signed sell orders into a
// best-first list, consumes them to raise debt token from pool stake, falls back to an AMM for
// any shortfall, and prunes orders that went stale since admission. Every call is serialised and
// bounded by a budget meter; running out of budget ends a call early and keeps its work.
package liquidator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/admission"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/budget"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/orderbook"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/protocol"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

var (
	ErrUnauthorized          = errors.New("caller is not the owner")
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrUnapprovedBeneficiary = errors.New("beneficiary not approved")
	ErrNoStake               = errors.New("pool has no stake")
	ErrDuplicateOrder        = errors.New("order already registered")
)

type Config struct {
	Address          common.Address // the engine's own wallet; every order's sender
	Owner            common.Address
	Pool             common.Address
	MinSignerAmount  *big.Int
	MinStakeFraction uint64
	Costs            budget.Schedule
	AMMDeadline      time.Duration
}

// Journal persists list changes and emitted records. Commit failures are logged, not returned.
type Journal interface {
	LoadOrders() (*orderbook.List, error)
	Commit(changes orderbook.Changes, records []events.Record) error
}

type Deps struct {
	StakeToken protocol.Token
	DebtToken  protocol.Token
	Swaps      protocol.Router
	AMM        protocol.AMM // optional
	Registry   protocol.Registry
	Clock      util.Clock
	Journal    Journal     // optional
	Sink       events.Sink // optional
	Logger     *zap.Logger
}

type Engine struct {
	mu sync.Mutex

	cfg      Config
	stake    protocol.Token
	debt     protocol.Token
	swaps    protocol.Router
	amm      protocol.AMM
	registry protocol.Registry
	clock    util.Clock
	journal  Journal
	sink     events.Sink
	log      *zap.SugaredLogger

	list  *orderbook.List
	admit *admission.Validator

	// unjournaled holds records whose commit failed; they ride along with the next commit.
	unjournaled []events.Record
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.StakeToken == nil || deps.DebtToken == nil {
		return nil, fmt.Errorf("stake and debt tokens are required")
	}
	if deps.Swaps == nil || deps.Registry == nil {
		return nil, fmt.Errorf("swap router and registry are required")
	}
	if cfg.Costs == (budget.Schedule{}) {
		cfg.Costs = budget.DefaultSchedule()
	}
	if cfg.AMMDeadline <= 0 {
		cfg.AMMDeadline = 5 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}

	e := &Engine{
		cfg:      cfg,
		stake:    deps.StakeToken,
		debt:     deps.DebtToken,
		swaps:    deps.Swaps,
		amm:      deps.AMM,
		registry: deps.Registry,
		clock:    deps.Clock,
		journal:  deps.Journal,
		sink:     deps.Sink,
		log:      util.OrNop(deps.Logger).Sugar(),
		list:     orderbook.NewList(),
	}

	if e.journal != nil {
		list, err := e.journal.LoadOrders()
		if err != nil {
			return nil, fmt.Errorf("failed to restore order list: %w", err)
		}
		e.list = list
	}

	e.admit = admission.NewValidator(admission.Config{
		MinSignerAmount:  cfg.MinSignerAmount,
		DebtToken:        deps.DebtToken.Address(),
		StakeToken:       deps.StakeToken.Address(),
		Engine:           cfg.Address,
		MinStakeFraction: cfg.MinStakeFraction,
		PoolStake:        func() *big.Int { return e.stake.BalanceOf(e.cfg.Pool) },
	}, deps.Registry, deps.Swaps, deps.Clock)

	e.log.Infow("engine_started",
		"address", cfg.Address.Hex(),
		"owner", cfg.Owner.Hex(),
		"pool", cfg.Pool.Hex(),
		"orders", e.list.Len(),
	)
	return e, nil
}

func (e *Engine) Address() common.Address { return e.cfg.Address }

func (e *Engine) Owner() common.Address { return e.cfg.Owner }

func (e *Engine) Pool() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Pool
}

// RegisterOrder admits o and inserts it into the list.
func (e *Engine) RegisterOrder(o *order.Order) (order.ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.admit.Admit(o)
	if err != nil {
		e.log.Debugw("order_rejected", "signer", o.Signer.Wallet.Hex(), "err", err)
		return order.None, err
	}
	if e.list.Contains(id) {
		return order.None, fmt.Errorf("%w: %s", ErrDuplicateOrder, id.Hex())
	}
	if err := e.list.Insert(id, o.Clone()); err != nil {
		return order.None, err
	}

	lg := events.NewLog("", e.clock.Now())
	lg.Add(events.OrderRegistered(id))
	e.finish(lg)

	e.log.Infow("order_registered",
		"id", id.Hex(),
		"signer", o.Signer.Wallet.Hex(),
		"signer_amount", o.SignerAmount().String(),
		"sender_amount", o.SenderAmount().String(),
		"depth", e.list.Len(),
	)
	return id, nil
}

func (e *Engine) Head() (order.ID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list.Head()
}

// Next returns the successor of id; Next(order.None) is the head.
func (e *Engine) Next(id order.ID) (order.ID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list.Next(id)
}

// OrderInfo returns a copy of a listed order.
func (e *Engine) OrderInfo(id order.ID) (*order.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.list.Get(id)
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Orders returns up to limit listed orders from the head (limit <= 0 means all).
func (e *Engine) Orders(limit int) []orderbook.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.list.Entries(limit)
	for i := range entries {
		entries[i].Order = entries[i].Order.Clone()
	}
	return entries
}

func (e *Engine) Depth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list.Len()
}

// SetPool changes the pool whose stake is liquidated.
func (e *Engine) SetPool(caller, pool common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	e.cfg.Pool = pool
	e.log.Infow("pool_set", "pool", pool.Hex())
	return nil
}

// finish persists the call's list changes with its records, then publishes the records.
// A failed commit is kept pending and retried by the next call's commit.
func (e *Engine) finish(lg *events.Log) {
	changes := e.list.Flush()
	records := lg.Records()
	if e.journal != nil {
		batch := append(e.unjournaled, records...)
		if !changes.Empty() || len(batch) > 0 {
			if err := e.journal.Commit(changes, batch); err != nil {
				e.list.Requeue(changes)
				e.unjournaled = batch
				e.log.Errorw("journal_commit_failed", "err", err, "records", len(batch), "nodes", len(changes.Upserts)+len(changes.Deletes))
			} else {
				e.unjournaled = nil
			}
		}
	}
	if e.sink != nil {
		e.sink.Emit(records)
	}
}

func (e *Engine) requireOwner(caller common.Address) error {
	if caller != e.cfg.Owner {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	return nil
}
