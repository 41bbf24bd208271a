package admission

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/devnet"
	"github.com/uhyunpark/stakeliquidator/pkg/crypto"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

const now = 1_700_000_000

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type env struct {
	net    *devnet.Network
	clock  *util.ManualClock
	engine common.Address
	v      *Validator
	alice  *crypto.Signer
	bob    *crypto.Signer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := util.NewManualClock(time.Unix(now, 0))
	net := devnet.NewNetwork(clock)
	engine := devnet.DeriveAddress("engine")
	pool := devnet.DeriveAddress("pool")
	net.Stake.Mint(pool, ether(100))

	alice, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	bob, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	v := NewValidator(Config{
		MinSignerAmount:  ether(1),
		DebtToken:        net.Debt.Address(),
		StakeToken:       net.Stake.Address(),
		Engine:           engine,
		MinStakeFraction: 10000,
		PoolStake:        func() *big.Int { return net.Stake.BalanceOf(pool) },
	}, net.Registry, net.Router, clock)

	return &env{net: net, clock: clock, engine: engine, v: v, alice: alice, bob: bob}
}

// order builds alice's offer of signerAmt debt for senderAmt stake, applies edits, then signs
// it with key under the devnet swap domain.
func (e *env) order(t *testing.T, key *crypto.Signer, signerAmt, senderAmt *big.Int, edits ...func(*order.Order)) *order.Order {
	t.Helper()
	o := &order.Order{
		Nonce:     big.NewInt(5),
		Expiry:    big.NewInt(now + 3600),
		Signer:    order.NewParty(e.alice.Address(), e.net.Debt.Address(), signerAmt),
		Sender:    order.NewParty(e.engine, e.net.Stake.Address(), senderAmt),
		Affiliate: order.EmptyParty(),
	}
	for _, edit := range edits {
		edit(o)
	}
	if err := e.net.Swap.Signer().SignOrder(key, o, order.VersionTypedData); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	return o
}

func TestAdmitAcceptsWellFormedOrder(t *testing.T) {
	e := newEnv(t)
	o := e.order(t, e.alice, ether(3), ether(1))

	id, err := e.v.Admit(o)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	want, _ := e.net.Swap.Signer().HashOrder(o)
	if id != want {
		t.Errorf("id = %s, want %s", id.Hex(), want.Hex())
	}
}

func TestAdmitRejections(t *testing.T) {
	rogue := crypto.NewEIP712Signer(crypto.SwapDomain(devnet.DeriveAddress("rogue")))

	tests := []struct {
		name  string
		build func(t *testing.T, e *env) *order.Order
		want  error
	}{
		{
			name:  "below minimum signer amount",
			build: func(t *testing.T, e *env) *order.Order { return e.order(t, e.alice, big.NewInt(5e17), big.NewInt(1e17)) },
			want:  ErrOrderTooSmall,
		},
		{
			name:  "sender amount is dust against the pool",
			build: func(t *testing.T, e *env) *order.Order { return e.order(t, e.alice, ether(100), big.NewInt(1)) },
			want:  ErrOrderTooSmall,
		},
		{
			name: "signer token is not the debt token",
			build: func(t *testing.T, e *env) *order.Order {
				return e.order(t, e.alice, ether(3), ether(1), func(o *order.Order) { o.Signer.Token = e.net.Stake.Address() })
			},
			want: ErrWrongSignerToken,
		},
		{
			name: "sender token is not the stake token",
			build: func(t *testing.T, e *env) *order.Order {
				return e.order(t, e.alice, ether(3), ether(1), func(o *order.Order) { o.Sender.Token = e.net.Debt.Address() })
			},
			want: ErrWrongSenderToken,
		},
		{
			name: "sender wallet is someone else",
			build: func(t *testing.T, e *env) *order.Order {
				return e.order(t, e.alice, ether(3), ether(1), func(o *order.Order) { o.Sender.Wallet = e.bob.Address() })
			},
			want: ErrWrongSenderWallet,
		},
		{
			name: "non erc20 kind",
			build: func(t *testing.T, e *env) *order.Order {
				return e.order(t, e.alice, ether(3), ether(1), func(o *order.Order) { o.Signer.Kind = [4]byte{0x80, 0xac, 0x58, 0xcd} })
			},
			want: ErrUnsupportedKind,
		},
		{
			name: "unknown validator domain",
			build: func(t *testing.T, e *env) *order.Order {
				o := e.order(t, e.alice, ether(3), ether(1))
				if err := rogue.SignOrder(e.alice, o, order.VersionTypedData); err != nil {
					t.Fatalf("SignOrder: %v", err)
				}
				return o
			},
			want: ErrUnauthorizedDomain,
		},
		{
			name: "revoked validator domain",
			build: func(t *testing.T, e *env) *order.Order {
				e.net.Registry.RevokeValidator(e.net.Swap.Address())
				return e.order(t, e.alice, ether(3), ether(1))
			},
			want: ErrUnauthorizedDomain,
		},
		{
			name: "tampered after signing",
			build: func(t *testing.T, e *env) *order.Order {
				o := e.order(t, e.alice, ether(3), ether(1))
				o.Signer.Amount = ether(30)
				return o
			},
			want: ErrInvalidSignature,
		},
		{
			name:  "signed by a stranger",
			build: func(t *testing.T, e *env) *order.Order { return e.order(t, e.bob, ether(3), ether(1)) },
			want:  ErrInvalidSignatory,
		},
		{
			name: "cancelled nonce",
			build: func(t *testing.T, e *env) *order.Order {
				e.net.Swap.Cancel(e.alice.Address(), big.NewInt(5))
				return e.order(t, e.alice, ether(3), ether(1))
			},
			want: ErrNonceInvalidated,
		},
		{
			name: "nonce below minimum",
			build: func(t *testing.T, e *env) *order.Order {
				e.net.Swap.CancelUpTo(e.alice.Address(), big.NewInt(6))
				return e.order(t, e.alice, ether(3), ether(1))
			},
			want: ErrNonceTooLow,
		},
		{
			name: "expiry equals now",
			build: func(t *testing.T, e *env) *order.Order {
				return e.order(t, e.alice, ether(3), ether(1), func(o *order.Order) { o.Expiry = big.NewInt(now) })
			},
			want: ErrExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.v.Admit(tt.build(t, e))
			if !errors.Is(err, tt.want) {
				t.Errorf("Admit err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAdmitAcceptsDelegatedSignatory(t *testing.T) {
	e := newEnv(t)
	o := e.order(t, e.bob, ether(3), ether(1))

	if _, err := e.v.Admit(o); !errors.Is(err, ErrInvalidSignatory) {
		t.Fatalf("Admit err = %v, want ErrInvalidSignatory", err)
	}
	e.net.Swap.AuthorizeSigner(e.alice.Address(), e.bob.Address())
	if _, err := e.v.Admit(o); err != nil {
		t.Fatalf("Admit after delegation: %v", err)
	}
}

func TestAdmitAcceptsPersonalSign(t *testing.T) {
	e := newEnv(t)
	o := e.order(t, e.alice, ether(3), ether(1))
	if err := e.net.Swap.Signer().SignOrder(e.alice, o, order.VersionPersonalSign); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if _, err := e.v.Admit(o); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestAdmitSameNonceTwice(t *testing.T) {
	e := newEnv(t)
	first := e.order(t, e.alice, ether(3), ether(1))
	second := e.order(t, e.alice, ether(4), ether(1))

	a, err := e.v.Admit(first)
	if err != nil {
		t.Fatalf("Admit first: %v", err)
	}
	b, err := e.v.Admit(second)
	if err != nil {
		t.Fatalf("Admit second: %v", err)
	}
	if a == b {
		t.Error("orders with different amounts share an id")
	}
}

func TestAdmitExpiryFollowsClock(t *testing.T) {
	e := newEnv(t)
	o := e.order(t, e.alice, ether(3), ether(1))
	e.clock.Advance(2 * time.Hour)
	if _, err := e.v.Admit(o); !errors.Is(err, ErrExpired) {
		t.Errorf("Admit err = %v, want ErrExpired", err)
	}
}
