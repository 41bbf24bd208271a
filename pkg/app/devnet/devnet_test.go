package devnet

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/protocol"
	"github.com/uhyunpark/stakeliquidator/pkg/crypto"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		t.Fatalf("bad number %q", s)
	}
	return v
}

func TestTokenTransferFrom(t *testing.T) {
	tok := NewToken(DeriveAddress("t"), "T")
	alice, bob, spender := common.HexToAddress("0xa"), common.HexToAddress("0xb"), common.HexToAddress("0xc")
	tok.Mint(alice, big.NewInt(10))

	if err := tok.TransferFrom(spender, alice, bob, big.NewInt(1)); !errors.Is(err, protocol.ErrInsufficientAllowance) {
		t.Fatalf("err = %v, want ErrInsufficientAllowance", err)
	}
	tok.Approve(alice, spender, big.NewInt(20))
	if err := tok.TransferFrom(spender, alice, bob, big.NewInt(11)); !errors.Is(err, protocol.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if err := tok.TransferFrom(spender, alice, bob, big.NewInt(4)); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}
	if got := tok.Allowance(alice, spender); got.Int64() != 16 {
		t.Errorf("allowance = %s, want 16", got)
	}
	if tok.BalanceOf(alice).Int64() != 6 || tok.BalanceOf(bob).Int64() != 4 {
		t.Errorf("balances = %s/%s, want 6/4", tok.BalanceOf(alice), tok.BalanceOf(bob))
	}
}

// Liquidity mirrors 100 stake / 0.1 ETH and 0.1 ETH / 100 debt.
func seededAMM(t *testing.T) *Network {
	t.Helper()
	n := NewNetwork(util.NewManualClock(time.Unix(1_700_000_000, 0)))
	if err := n.SeedLiquidity(ether(100), ether(100), big.NewInt(1e17)); err != nil {
		t.Fatalf("SeedLiquidity: %v", err)
	}
	return n
}

func TestAMMQuotesMatchUniswapV1(t *testing.T) {
	n := seededAMM(t)

	out, err := n.AMM.Quote(ether(100))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if want := mustBig(t, "33233233333634234806"); out.Cmp(want) != 0 {
		t.Errorf("Quote(100) = %s, want %s", out, want)
	}

	in, err := n.AMM.QuoteInput(mustBig(t, "33233233333634234806"))
	if err != nil {
		t.Fatalf("QuoteInput: %v", err)
	}
	if want := mustBig(t, "0x56bc75e2d630ff468"); in.Cmp(want) != 0 {
		t.Errorf("QuoteInput = %s, want %s", in, want)
	}
}

func TestAMMSwap(t *testing.T) {
	n := seededAMM(t)
	trader := common.HexToAddress("0x7")
	n.Stake.Mint(trader, ether(10))

	deadline := time.Unix(1_700_000_060, 0)
	if _, err := n.AMM.Swap(trader, ether(10), nil, deadline); !errors.Is(err, protocol.ErrInsufficientAllowance) {
		t.Fatalf("swap without approval err = %v", err)
	}
	n.Stake.Approve(trader, n.AMM.Address(), ether(10))

	quote, _ := n.AMM.Quote(ether(10))
	tooMuch := new(big.Int).Add(quote, big.NewInt(1))
	if _, err := n.AMM.Swap(trader, ether(10), tooMuch, deadline); !errors.Is(err, protocol.ErrSlippage) {
		t.Fatalf("slippage err = %v", err)
	}
	if _, err := n.AMM.Swap(trader, ether(10), nil, time.Unix(1_699_999_999, 0)); !errors.Is(err, protocol.ErrDeadline) {
		t.Fatalf("deadline err = %v", err)
	}

	out, err := n.AMM.Swap(trader, ether(10), quote, deadline)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if out.Cmp(quote) != 0 || n.Debt.BalanceOf(trader).Cmp(quote) != 0 {
		t.Errorf("bought %s (balance %s), want %s", out, n.Debt.BalanceOf(trader), quote)
	}
	stake, _, _, debt := n.AMM.Reserves()
	if stake.Cmp(ether(110)) != 0 || debt.Cmp(new(big.Int).Sub(ether(100), quote)) != 0 {
		t.Errorf("reserves = %s/%s after swap", stake, debt)
	}
}

func TestSwapProtocolSettlesAndBurnsNonce(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	n := NewNetwork(clock)
	key, _ := crypto.GenerateKey()
	engine := common.HexToAddress("0xe1")

	o := &order.Order{
		Nonce:     big.NewInt(0),
		Expiry:    big.NewInt(1_700_000_100),
		Signer:    order.NewParty(key.Address(), n.Debt.Address(), big.NewInt(100)),
		Sender:    order.NewParty(engine, n.Stake.Address(), big.NewInt(25)),
		Affiliate: order.EmptyParty(),
	}
	if err := n.Swap.Signer().SignOrder(key, o, order.VersionTypedData); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	n.Debt.Mint(key.Address(), big.NewInt(100))
	n.Debt.Approve(key.Address(), n.Swap.Address(), big.NewInt(100))
	n.Stake.Mint(engine, big.NewInt(25))
	n.Stake.Approve(engine, n.Swap.Address(), big.NewInt(25))

	// A partial fill below the signed rate is refused.
	low := protocol.Fill{SignerAmount: big.NewInt(40), SenderAmount: big.NewInt(9)}
	if err := n.Swap.Swap(engine, o, low); !errors.Is(err, protocol.ErrFillRate) {
		t.Fatalf("underpaid fill err = %v", err)
	}

	full := protocol.Fill{SignerAmount: big.NewInt(100), SenderAmount: big.NewInt(25)}
	if err := n.Swap.Swap(engine, o, full); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if n.Debt.BalanceOf(engine).Int64() != 100 || n.Stake.BalanceOf(key.Address()).Int64() != 25 {
		t.Errorf("balances after swap: engine debt %s, signer stake %s", n.Debt.BalanceOf(engine), n.Stake.BalanceOf(key.Address()))
	}
	if n.Swap.IsNonceValid(key.Address(), o.Nonce) {
		t.Error("nonce still valid after settlement")
	}
	if err := n.Swap.Swap(engine, o, full); !errors.Is(err, protocol.ErrNonceInvalid) {
		t.Errorf("replay err = %v, want ErrNonceInvalid", err)
	}
}

func TestSwapProtocolNonceControls(t *testing.T) {
	n := NewNetwork(nil)
	signer, delegate := common.HexToAddress("0x51"), common.HexToAddress("0xde")

	n.Swap.Cancel(signer, big.NewInt(3))
	if !n.Swap.IsNonceCancelled(signer, big.NewInt(3)) || n.Swap.IsNonceValid(signer, big.NewInt(3)) {
		t.Error("cancelled nonce still valid")
	}
	n.Swap.CancelUpTo(signer, big.NewInt(10))
	if n.Swap.IsNonceValid(signer, big.NewInt(9)) || !n.Swap.IsNonceValid(signer, big.NewInt(10)) {
		t.Error("minimum nonce not enforced")
	}
	if n.Swap.MinimumNonce(signer).Int64() != 10 {
		t.Errorf("MinimumNonce = %s, want 10", n.Swap.MinimumNonce(signer))
	}

	n.Swap.AuthorizeSigner(signer, delegate)
	if !n.Swap.IsAuthorizedSigner(signer, delegate) {
		t.Error("delegate not authorized")
	}
	n.Swap.RevokeSigner(signer, delegate)
	if n.Swap.IsAuthorizedSigner(signer, delegate) {
		t.Error("delegate still authorized after revoke")
	}
}
