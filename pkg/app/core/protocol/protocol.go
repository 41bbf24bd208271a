// Package protocol declares the collaborators the engine reads from and moves value through.
// Every method takes the acting address explicitly because the engine never holds ambient identity.
package protocol

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNonceInvalid          = errors.New("nonce invalid")
	ErrOrderExpired          = errors.New("order expired")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrUnauthorizedSignatory = errors.New("signatory not authorized")
	ErrSenderMismatch        = errors.New("sender wallet mismatch")
	ErrFillRate              = errors.New("fill below order rate")
	ErrSlippage              = errors.New("output below minimum")
	ErrDeadline              = errors.New("deadline passed")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)

// Token is a fungible token ledger.
type Token interface {
	Address() common.Address
	BalanceOf(owner common.Address) *big.Int
	Allowance(owner, spender common.Address) *big.Int
	Approve(owner, spender common.Address, amount *big.Int) error
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

// Fill is the portion of an order to settle. A full fill equals the signed amounts; a partial
// fill must pay at least the signed rate.
type Fill struct {
	SignerAmount *big.Int
	SenderAmount *big.Int
}

// SwapProtocol is a signed-order protocol instance (validator domain).
type SwapProtocol interface {
	Address() common.Address
	// Verify recovers the signatory of o, or returns ErrInvalidSignature.
	Verify(o *order.Order) (common.Address, error)
	IsNonceValid(signer common.Address, nonce *big.Int) bool
	IsNonceCancelled(signer common.Address, nonce *big.Int) bool
	MinimumNonce(signer common.Address) *big.Int
	IsAuthorizedSigner(signer, delegate common.Address) bool
	// Swap settles fill of o with sender as the counterparty, atomically.
	Swap(sender common.Address, o *order.Order, fill Fill) error
}

// Router resolves validator domains to protocol instances.
type Router interface {
	Protocol(validator common.Address) (SwapProtocol, bool)
}

// StaticRouter is a fixed set of protocol instances keyed by address.
type StaticRouter map[common.Address]SwapProtocol

func NewStaticRouter(protocols ...SwapProtocol) StaticRouter {
	r := make(StaticRouter, len(protocols))
	for _, p := range protocols {
		r[p.Address()] = p
	}
	return r
}

func (r StaticRouter) Protocol(validator common.Address) (SwapProtocol, bool) {
	p, ok := r[validator]
	return p, ok
}

// AMM converts stake token into debt token.
type AMM interface {
	Address() common.Address
	// Quote returns the debt token bought by selling amountIn stake.
	Quote(amountIn *big.Int) (*big.Int, error)
	// QuoteInput returns the stake needed to buy exactly amountOut debt token.
	QuoteInput(amountOut *big.Int) (*big.Int, error)
	// Swap sells amountIn stake pulled from trader and pays the output to trader.
	Swap(trader common.Address, amountIn, minAmountOut *big.Int, deadline time.Time) (*big.Int, error)
}

// Registry answers authorization questions.
type Registry interface {
	IsAuthorizedValidator(validator common.Address) bool
	IsApprovedBeneficiary(who common.Address) bool
}
