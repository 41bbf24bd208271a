package liquidator

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/budget"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/protocol"
)

// Outcome summarises one Liquidate call.
type Outcome struct {
	RunID           string
	Records         []events.Record
	DebtPaid        *big.Int // delivered to the beneficiary
	StakeUsed       *big.Int
	StakeReturned   *big.Int
	AMMDebt         *big.Int // portion raised through the AMM
	AMMErr          error
	OrdersFilled    int
	OrdersFailed    int
	BudgetUsed      uint64
	BudgetExhausted bool
}

// liquidation is the state of a single Liquidate call.
type liquidation struct {
	e     *Engine
	meter *budget.Meter
	log   *events.Log

	target    *big.Int
	need      *big.Int // debt still to raise
	stakeLeft *big.Int // pulled from the pool and not yet spent
	stakeUsed *big.Int
	raised    *big.Int
	ammRaised *big.Int
	paid      *big.Int
	ammErr    error

	filled, failed int
	exhausted      bool
}

// Liquidate raises target debt token for beneficiary by selling pool stake, first into listed
// orders from the head and then into the AMM for any shortfall. Consumed orders leave the list
// whether or not their swap succeeded. Unspent stake goes back to the pool. A Liquidated record
// closes every run that got past validation.
func (e *Engine) Liquidate(caller common.Address, target *big.Int, beneficiary common.Address, meter *budget.Meter) (*Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	if target == nil || target.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if !e.registry.IsApprovedBeneficiary(beneficiary) {
		return nil, fmt.Errorf("%w: %s", ErrUnapprovedBeneficiary, beneficiary.Hex())
	}
	if meter == nil {
		meter = budget.Unlimited()
	}

	available := e.stake.BalanceOf(e.cfg.Pool)
	if available.Sign() == 0 {
		return nil, ErrNoStake
	}
	if err := e.stake.TransferFrom(e.cfg.Address, e.cfg.Pool, e.cfg.Address, available); err != nil {
		return nil, fmt.Errorf("failed to pull pool stake: %w", err)
	}

	runID := uuid.NewString()
	run := &liquidation{
		e:         e,
		meter:     meter,
		log:       events.NewLog(runID, e.clock.Now()),
		target:    new(big.Int).Set(target),
		need:      new(big.Int).Set(target),
		stakeLeft: available,
		stakeUsed: new(big.Int),
		raised:    new(big.Int),
		ammRaised: new(big.Int),
		paid:      new(big.Int),
	}

	run.walk()
	run.fallback()
	err := run.settle(beneficiary)
	e.finish(run.log)

	out := &Outcome{
		RunID:           runID,
		Records:         run.log.Records(),
		DebtPaid:        run.paid,
		StakeUsed:       run.stakeUsed,
		StakeReturned:   run.stakeLeft,
		AMMDebt:         run.ammRaised,
		AMMErr:          run.ammErr,
		OrdersFilled:    run.filled,
		OrdersFailed:    run.failed,
		BudgetUsed:      meter.Used(),
		BudgetExhausted: run.exhausted,
	}
	e.log.Infow("liquidated",
		"run_id", runID,
		"target", target.String(),
		"paid", run.paid.String(),
		"stake_used", run.stakeUsed.String(),
		"amm_debt", run.ammRaised.String(),
		"filled", run.filled,
		"failed", run.failed,
		"budget_used", meter.Used(),
		"budget_exhausted", run.exhausted,
		"depth", e.list.Len(),
	)
	return out, err
}

func (r *liquidation) walk() {
	costs := r.e.cfg.Costs
	c := r.e.list.Walk()
	for r.need.Sign() > 0 && r.stakeLeft.Sign() > 0 && c.More() {
		if !r.meter.Affords(costs.LiquidationReserve()) {
			r.exhausted = true
			return
		}
		c.Next()
		r.meter.Consume(costs.Visit)

		id, o := c.ID(), c.Order()
		fill, ok := r.fillFor(o)
		if !ok {
			// Remaining stake buys nothing from this order at its rate.
			continue
		}

		r.meter.Consume(costs.Swap)
		swapErr := r.execute(o, fill)
		if err := c.Remove(); err != nil {
			r.e.log.Errorw("order_remove_failed", "id", id.Hex(), "err", err)
			return
		}
		r.meter.Consume(costs.Remove)

		if swapErr != nil {
			r.failed++
			r.log.Add(events.OrderCancelled(id, events.ReasonSwapFailed))
			r.log.Add(events.LiquidationError(id))
			r.e.log.Warnw("order_swap_failed", "id", id.Hex(), "signer", o.Signer.Wallet.Hex(), "err", swapErr)
			continue
		}

		r.filled++
		r.need.Sub(r.need, fill.SignerAmount)
		r.raised.Add(r.raised, fill.SignerAmount)
		r.stakeLeft.Sub(r.stakeLeft, fill.SenderAmount)
		r.stakeUsed.Add(r.stakeUsed, fill.SenderAmount)
		r.log.Add(events.OrderFilled(id, fill.SignerAmount, fill.SenderAmount))
		r.e.log.Debugw("order_filled",
			"id", id.Hex(),
			"debt", fill.SignerAmount.String(),
			"stake", fill.SenderAmount.String(),
			"need", r.need.String(),
		)
	}
}

// fillFor sizes the draw on o: as much debt as still needed, paid at the order's rate rounded
// in the signer's favour, and capped by the stake on hand.
func (r *liquidation) fillFor(o *order.Order) (protocol.Fill, bool) {
	signerAmt, senderAmt := o.SignerAmount(), o.SenderAmount()
	if signerAmt.Sign() <= 0 || senderAmt.Sign() <= 0 {
		return protocol.Fill{}, false
	}

	signerFill := minBig(signerAmt, r.need)
	senderFill := ceilDiv(new(big.Int).Mul(senderAmt, signerFill), signerAmt)
	if senderFill.Cmp(r.stakeLeft) > 0 {
		senderFill = new(big.Int).Set(r.stakeLeft)
		signerFill = new(big.Int).Div(new(big.Int).Mul(signerAmt, senderFill), senderAmt)
	}
	if signerFill.Sign() == 0 {
		return protocol.Fill{}, false
	}
	return protocol.Fill{SignerAmount: signerFill, SenderAmount: senderFill}, true
}

func (r *liquidation) execute(o *order.Order, fill protocol.Fill) error {
	swap, ok := r.e.swaps.Protocol(o.Validator())
	if !ok {
		return fmt.Errorf("no swap protocol at %s", o.Validator().Hex())
	}
	self := r.e.cfg.Address
	if err := r.e.stake.Approve(self, swap.Address(), fill.SenderAmount); err != nil {
		return fmt.Errorf("failed to approve stake: %w", err)
	}
	defer r.e.stake.Approve(self, swap.Address(), new(big.Int)) //nolint:errcheck
	return swap.Swap(self, o, fill)
}

// fallback sells stake into the AMM for whatever the walk left uncovered. When the exact input
// is unavailable or exceeds the stake on hand, all remaining stake is sold at its quoted output.
func (r *liquidation) fallback() {
	amm := r.e.amm
	if amm == nil || r.need.Sign() == 0 || r.stakeLeft.Sign() == 0 {
		return
	}

	in, err := amm.QuoteInput(r.need)
	minOut := new(big.Int).Set(r.need)
	if err != nil || in.Cmp(r.stakeLeft) > 0 {
		in = new(big.Int).Set(r.stakeLeft)
		if minOut, err = amm.Quote(in); err != nil {
			r.ammErr = fmt.Errorf("failed to quote amm: %w", err)
			r.e.log.Warnw("amm_quote_failed", "stake", in.String(), "err", err)
			return
		}
		if minOut.Sign() == 0 {
			r.ammErr = fmt.Errorf("amm output for %s stake is zero", in)
			return
		}
	}

	self := r.e.cfg.Address
	if err := r.e.stake.Approve(self, amm.Address(), in); err != nil {
		r.ammErr = fmt.Errorf("failed to approve stake: %w", err)
		return
	}
	defer r.e.stake.Approve(self, amm.Address(), new(big.Int)) //nolint:errcheck

	deadline := r.e.clock.Now().Add(r.e.cfg.AMMDeadline)
	out, err := amm.Swap(self, in, minOut, deadline)
	if err != nil {
		r.ammErr = err
		r.e.log.Warnw("amm_swap_failed", "stake", in.String(), "min_out", minOut.String(), "err", err)
		return
	}

	r.stakeLeft.Sub(r.stakeLeft, in)
	r.stakeUsed.Add(r.stakeUsed, in)
	r.raised.Add(r.raised, out)
	r.ammRaised.Set(out)
	if out.Cmp(r.need) >= 0 {
		r.need.SetInt64(0)
	} else {
		r.need.Sub(r.need, out)
	}
}

// settle pays the beneficiary at most the target, returns unspent stake and closes the run.
// Debt raised beyond the target stays with the engine.
func (r *liquidation) settle(beneficiary common.Address) error {
	r.meter.Consume(r.e.cfg.Costs.Settle)
	self := r.e.cfg.Address

	var errs []error
	payout := minBig(r.raised, r.target)
	if payout.Sign() > 0 {
		if err := r.e.debt.Transfer(self, beneficiary, payout); err != nil {
			errs = append(errs, fmt.Errorf("failed to pay beneficiary: %w", err))
		} else {
			r.paid = payout
		}
	}
	if r.stakeLeft.Sign() > 0 {
		if err := r.e.stake.Transfer(self, r.e.cfg.Pool, r.stakeLeft); err != nil {
			errs = append(errs, fmt.Errorf("failed to return stake to pool: %w", err))
		}
	}

	r.log.Add(events.Liquidated(new(big.Int).Set(r.paid), new(big.Int).Set(r.stakeUsed)))
	return errors.Join(errs...)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func ceilDiv(n, d *big.Int) *big.Int {
	q, m := new(big.Int).QuoRem(n, d, new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
