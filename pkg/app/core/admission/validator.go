// Package admission decides whether a presented signed order may enter the order list.
// Balances and allowances are not checked here; they are re-checked when an order
// is pruned or executed.
package admission

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/protocol"
	"github.com/uhyunpark/stakeliquidator/pkg/crypto"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

var (
	ErrUnauthorizedDomain = errors.New("unauthorized validator domain")
	ErrOrderTooSmall      = errors.New("order too small")
	ErrUnsupportedKind    = errors.New("unsupported token kind")
	ErrWrongSignerToken   = errors.New("signer token is not the debt token")
	ErrWrongSenderToken   = errors.New("sender token is not the stake token")
	ErrWrongSenderWallet  = errors.New("sender wallet is not this engine")
	ErrZeroSenderAmount   = errors.New("sender amount is zero")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrInvalidSignatory   = errors.New("invalid signatory")
	ErrNonceInvalidated   = errors.New("nonce invalidated")
	ErrNonceTooLow        = errors.New("nonce below signer minimum")
	ErrExpired            = errors.New("order expired")
)

type Config struct {
	MinSignerAmount *big.Int
	DebtToken       common.Address
	StakeToken      common.Address
	Engine          common.Address // the sender wallet every order must name
	// MinStakeFraction rejects orders whose sender amount is below poolStake/MinStakeFraction,
	// so that one liquidation cannot be spread over dust. Zero disables the check.
	MinStakeFraction uint64
	PoolStake        func() *big.Int
}

type Validator struct {
	cfg      Config
	registry protocol.Registry
	swaps    protocol.Router
	clock    util.Clock
}

func NewValidator(cfg Config, registry protocol.Registry, swaps protocol.Router, clock util.Clock) *Validator {
	if cfg.MinSignerAmount == nil {
		cfg.MinSignerAmount = new(big.Int)
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Validator{cfg: cfg, registry: registry, swaps: swaps, clock: clock}
}

// Admit runs the checks in order and stops at the first failure. It never mutates protocol state.
func (v *Validator) Admit(o *order.Order) (order.ID, error) {
	if o == nil || o.Nonce == nil || o.Expiry == nil || o.Signer.Amount == nil || o.Sender.Amount == nil {
		return order.None, fmt.Errorf("%w: incomplete order", ErrInvalidSignature)
	}

	validator := o.Validator()
	if !v.registry.IsAuthorizedValidator(validator) {
		return order.None, fmt.Errorf("%w: %s", ErrUnauthorizedDomain, validator.Hex())
	}
	swap, ok := v.swaps.Protocol(validator)
	if !ok {
		return order.None, fmt.Errorf("%w: no protocol at %s", ErrUnauthorizedDomain, validator.Hex())
	}

	if o.SignerAmount().Sign() <= 0 || o.SignerAmount().Cmp(v.cfg.MinSignerAmount) < 0 {
		return order.None, fmt.Errorf("%w: %s < %s", ErrOrderTooSmall, o.SignerAmount(), v.cfg.MinSignerAmount)
	}
	if err := v.checkStakeFraction(o); err != nil {
		return order.None, err
	}
	if err := v.checkIdentities(o); err != nil {
		return order.None, err
	}

	signatory, err := swap.Verify(o)
	if err != nil {
		return order.None, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer := o.Signer.Wallet
	if signatory != signer && !swap.IsAuthorizedSigner(signer, signatory) {
		return order.None, fmt.Errorf("%w: %s cannot sign for %s", ErrInvalidSignatory, signatory.Hex(), signer.Hex())
	}

	if swap.IsNonceCancelled(signer, o.Nonce) {
		return order.None, fmt.Errorf("%w: %s", ErrNonceInvalidated, o.Nonce)
	}
	if min := swap.MinimumNonce(signer); min != nil && o.Nonce.Cmp(min) < 0 {
		return order.None, fmt.Errorf("%w: %s < %s", ErrNonceTooLow, o.Nonce, min)
	}

	if o.Expired(v.clock.Now().Unix()) {
		return order.None, fmt.Errorf("%w: expiry %s", ErrExpired, o.Expiry)
	}

	id, err := crypto.ForOrder(o).HashOrder(o)
	if err != nil {
		return order.None, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return id, nil
}

func (v *Validator) checkIdentities(o *order.Order) error {
	if o.Signer.Kind != order.ERC20Kind || o.Sender.Kind != order.ERC20Kind {
		return ErrUnsupportedKind
	}
	if o.Signer.Token != v.cfg.DebtToken {
		return fmt.Errorf("%w: %s", ErrWrongSignerToken, o.Signer.Token.Hex())
	}
	if o.Sender.Token != v.cfg.StakeToken {
		return fmt.Errorf("%w: %s", ErrWrongSenderToken, o.Sender.Token.Hex())
	}
	if o.Sender.Wallet != v.cfg.Engine {
		return fmt.Errorf("%w: %s", ErrWrongSenderWallet, o.Sender.Wallet.Hex())
	}
	if o.SenderAmount().Sign() <= 0 {
		return ErrZeroSenderAmount
	}
	return nil
}

func (v *Validator) checkStakeFraction(o *order.Order) error {
	if v.cfg.MinStakeFraction == 0 || v.cfg.PoolStake == nil {
		return nil
	}
	pool := v.cfg.PoolStake()
	if pool == nil {
		return nil
	}
	scaled := new(big.Int).Mul(o.SenderAmount(), new(big.Int).SetUint64(v.cfg.MinStakeFraction))
	if scaled.Cmp(pool) < 0 {
		return fmt.Errorf("%w: sender amount %s below 1/%d of pool stake %s",
			ErrOrderTooSmall, o.SenderAmount(), v.cfg.MinStakeFraction, pool)
	}
	return nil
}
