package devnet

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/protocol"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

var errOverflow = errors.New("amm math overflow")

var (
	feeNumerator   = uint256.NewInt(997)
	feeDenominator = uint256.NewInt(1000)
)

// exchange is one token/ETH constant-product pool.
type exchange struct {
	token *uint256.Int
	eth   *uint256.Int
}

// AMM routes stake -> ETH -> debt through two Uniswap v1 style exchanges with a 0.3% fee on each
// hop. Token reserves are held at the AMM address; the ETH legs are internal.
type AMM struct {
	mu      sync.Mutex
	address common.Address
	stake   protocol.Token
	debt    protocol.Token
	clock   util.Clock

	stakeEx exchange
	debtEx  exchange
}

func NewAMM(address common.Address, stake, debt protocol.Token, clock util.Clock) *AMM {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &AMM{
		address: address,
		stake:   stake,
		debt:    debt,
		clock:   clock,
		stakeEx: exchange{token: new(uint256.Int), eth: new(uint256.Int)},
		debtEx:  exchange{token: new(uint256.Int), eth: new(uint256.Int)},
	}
}

func (a *AMM) Address() common.Address { return a.address }

// AddLiquidity pulls stakeAmount and debtAmount from provider and credits each exchange with
// ethPerSide of virtual ETH.
func (a *AMM) AddLiquidity(provider common.Address, stakeAmount, debtAmount, ethPerSide *big.Int) error {
	s, err := toU256(stakeAmount)
	if err != nil {
		return err
	}
	d, err := toU256(debtAmount)
	if err != nil {
		return err
	}
	e, err := toU256(ethPerSide)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.stake.Transfer(provider, a.address, stakeAmount); err != nil {
		return fmt.Errorf("failed to add stake liquidity: %w", err)
	}
	if err := a.debt.Transfer(provider, a.address, debtAmount); err != nil {
		return fmt.Errorf("failed to add debt liquidity: %w", err)
	}
	a.stakeEx.token.Add(a.stakeEx.token, s)
	a.stakeEx.eth.Add(a.stakeEx.eth, e)
	a.debtEx.token.Add(a.debtEx.token, d)
	a.debtEx.eth.Add(a.debtEx.eth, e)
	return nil
}

// Reserves returns stake, stake-side ETH, debt-side ETH, debt.
func (a *AMM) Reserves() (stake, stakeEth, debtEth, debt *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stakeEx.token.ToBig(), a.stakeEx.eth.ToBig(), a.debtEx.eth.ToBig(), a.debtEx.token.ToBig()
}

func (a *AMM) Quote(amountIn *big.Int) (*big.Int, error) {
	in, err := toU256(amountIn)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, out, err := a.route(in)
	if err != nil {
		return nil, err
	}
	return out.ToBig(), nil
}

func (a *AMM) QuoteInput(amountOut *big.Int) (*big.Int, error) {
	out, err := toU256(amountOut)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	eth, err := outputPrice(out, a.debtEx.eth, a.debtEx.token)
	if err != nil {
		return nil, err
	}
	in, err := outputPrice(eth, a.stakeEx.token, a.stakeEx.eth)
	if err != nil {
		return nil, err
	}
	return in.ToBig(), nil
}

func (a *AMM) Swap(trader common.Address, amountIn, minAmountOut *big.Int, deadline time.Time) (*big.Int, error) {
	in, err := toU256(amountIn)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.clock.Now().After(deadline) {
		return nil, protocol.ErrDeadline
	}
	eth, out, err := a.route(in)
	if err != nil {
		return nil, err
	}
	bought := out.ToBig()
	if out.IsZero() {
		return nil, protocol.ErrInsufficientLiquidity
	}
	if minAmountOut != nil && bought.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", protocol.ErrSlippage, bought, minAmountOut)
	}

	if err := a.stake.TransferFrom(a.address, trader, a.address, amountIn); err != nil {
		return nil, err
	}
	if err := a.debt.Transfer(a.address, trader, bought); err != nil {
		return nil, err
	}
	a.stakeEx.token.Add(a.stakeEx.token, in)
	a.stakeEx.eth.Sub(a.stakeEx.eth, eth)
	a.debtEx.eth.Add(a.debtEx.eth, eth)
	a.debtEx.token.Sub(a.debtEx.token, out)
	return bought, nil
}

func (a *AMM) route(in *uint256.Int) (eth, out *uint256.Int, err error) {
	if eth, err = inputPrice(in, a.stakeEx.token, a.stakeEx.eth); err != nil {
		return nil, nil, err
	}
	if out, err = inputPrice(eth, a.debtEx.eth, a.debtEx.token); err != nil {
		return nil, nil, err
	}
	return eth, out, nil
}

// inputPrice = in*997*outReserve / (inReserve*1000 + in*997)
func inputPrice(in, inReserve, outReserve *uint256.Int) (*uint256.Int, error) {
	if inReserve.IsZero() || outReserve.IsZero() {
		return nil, protocol.ErrInsufficientLiquidity
	}
	inWithFee, o1 := new(uint256.Int).MulOverflow(in, feeNumerator)
	num, o2 := new(uint256.Int).MulOverflow(inWithFee, outReserve)
	den, o3 := new(uint256.Int).MulOverflow(inReserve, feeDenominator)
	den, o4 := den.AddOverflow(den, inWithFee)
	if o1 || o2 || o3 || o4 {
		return nil, errOverflow
	}
	return num.Div(num, den), nil
}

// outputPrice = inReserve*out*1000 / ((outReserve-out)*997) + 1
func outputPrice(out, inReserve, outReserve *uint256.Int) (*uint256.Int, error) {
	if inReserve.IsZero() || out.Cmp(outReserve) >= 0 {
		return nil, protocol.ErrInsufficientLiquidity
	}
	num, o1 := new(uint256.Int).MulOverflow(inReserve, out)
	num, o2 := num.MulOverflow(num, feeDenominator)
	den, o3 := new(uint256.Int).MulOverflow(new(uint256.Int).Sub(outReserve, out), feeNumerator)
	if o1 || o2 || o3 {
		return nil, errOverflow
	}
	num.Div(num, den)
	return num.AddUint64(num, 1), nil
}

func toU256(x *big.Int) (*uint256.Int, error) {
	if x == nil || x.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %v", x)
	}
	v, overflow := uint256.FromBig(x)
	if overflow {
		return nil, errOverflow
	}
	return v, nil
}
