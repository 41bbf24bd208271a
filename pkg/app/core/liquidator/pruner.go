package liquidator

import (
	"github.com/google/uuid"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/budget"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
)

// PruneOutcome summarises one Prune call.
type PruneOutcome struct {
	RunID           string
	Records         []events.Record
	Removed         []order.ID
	Visited         int
	BudgetUsed      uint64
	BudgetExhausted bool
}

// Prune walks the list from the head and drops every order that could no longer settle.
// Anyone may call it. A budget that runs out ends the walk early; removals so far are kept.
func (e *Engine) Prune(meter *budget.Meter) (*PruneOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if meter == nil {
		meter = budget.Unlimited()
	}
	costs := e.cfg.Costs
	out := &PruneOutcome{RunID: uuid.NewString()}
	lg := events.NewLog(out.RunID, e.clock.Now())

	c := e.list.Walk()
	for c.More() {
		if !meter.Affords(costs.PruneReserve()) {
			out.BudgetExhausted = true
			break
		}
		c.Next()
		meter.Consume(costs.Visit)
		out.Visited++

		reason, stale := e.staleReason(c.Order())
		if !stale {
			continue
		}
		id := c.ID()
		if err := c.Remove(); err != nil {
			e.log.Errorw("order_remove_failed", "id", id.Hex(), "err", err)
			break
		}
		meter.Consume(costs.Remove)
		out.Removed = append(out.Removed, id)
		lg.Add(events.OrderCancelled(id, reason))
	}

	e.finish(lg)
	out.Records = lg.Records()
	out.BudgetUsed = meter.Used()

	e.log.Infow("pruned",
		"run_id", out.RunID,
		"visited", out.Visited,
		"removed", len(out.Removed),
		"budget_used", out.BudgetUsed,
		"budget_exhausted", out.BudgetExhausted,
		"depth", e.list.Len(),
	)
	return out, nil
}

// staleReason reports why o can no longer be settled, if it cannot.
func (e *Engine) staleReason(o *order.Order) (string, bool) {
	validator := o.Validator()
	if !e.registry.IsAuthorizedValidator(validator) {
		return events.ReasonDomainRevoked, true
	}
	swap, ok := e.swaps.Protocol(validator)
	if !ok {
		return events.ReasonDomainRevoked, true
	}

	signer := o.Signer.Wallet
	if !swap.IsNonceValid(signer, o.Nonce) {
		return events.ReasonNonceInvalid, true
	}
	if o.Expired(e.clock.Now().Unix()) {
		return events.ReasonExpired, true
	}
	if signatory := o.Signature.Signatory; signatory != signer && !swap.IsAuthorizedSigner(signer, signatory) {
		return events.ReasonSignatoryRevoked, true
	}

	amount := o.SignerAmount()
	if e.debt.BalanceOf(signer).Cmp(amount) < 0 {
		return events.ReasonInsufficientBalance, true
	}
	if e.debt.Allowance(signer, swap.Address()).Cmp(amount) < 0 {
		return events.ReasonInsufficientAllowance, true
	}
	return "", false
}
