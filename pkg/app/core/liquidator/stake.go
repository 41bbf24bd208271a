package liquidator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
)

// ReclaimStake moves amount of stake from the pool straight to an approved beneficiary.
func (e *Engine) ReclaimStake(caller, beneficiary common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if !e.registry.IsApprovedBeneficiary(beneficiary) {
		return fmt.Errorf("%w: %s", ErrUnapprovedBeneficiary, beneficiary.Hex())
	}
	if err := e.stake.TransferFrom(e.cfg.Address, e.cfg.Pool, beneficiary, amount); err != nil {
		return fmt.Errorf("failed to reclaim stake: %w", err)
	}

	lg := events.NewLog("", e.clock.Now())
	lg.Add(events.StakeReclaimed(beneficiary, new(big.Int).Set(amount)))
	e.finish(lg)
	e.log.Infow("stake_reclaimed", "beneficiary", beneficiary.Hex(), "amount", amount.String())
	return nil
}

// ReturnStake pulls amount of stake from a holder that approved the engine back into the pool.
func (e *Engine) ReturnStake(from common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if err := e.stake.TransferFrom(e.cfg.Address, from, e.cfg.Pool, amount); err != nil {
		return fmt.Errorf("failed to return stake: %w", err)
	}

	lg := events.NewLog("", e.clock.Now())
	lg.Add(events.StakeReturned(from, new(big.Int).Set(amount)))
	e.finish(lg)
	e.log.Infow("stake_returned", "from", from.Hex(), "amount", amount.String())
	return nil
}
