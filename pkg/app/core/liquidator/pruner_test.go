package liquidator

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/budget"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/events"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/devnet"
	"github.com/uhyunpark/stakeliquidator/pkg/crypto"
)

// book is three orders of 3, 2 and 1 debt from three signers, head first.
type book struct {
	keys   [3]*crypto.Signer
	ids    [3]order.ID
	orders [3]*order.Order
}

func placeBook(t *testing.T, f *fixture) *book {
	t.Helper()
	b := &book{}
	for i, amount := range []int64{3, 2, 1} {
		b.keys[i] = f.key(t)
		b.ids[i], b.orders[i] = f.place(t, b.keys[i], ether(amount), ether(1))
	}
	return b
}

func TestPrune(t *testing.T) {
	elsewhere := devnet.DeriveAddress("elsewhere")

	tests := []struct {
		name    string
		stale   func(t *testing.T, f *fixture, b *book)
		keep    []int
		reasons map[int]string
	}{
		{
			name:  "nothing stale",
			stale: func(*testing.T, *fixture, *book) {},
			keep:  []int{0, 1, 2},
		},
		{
			name: "middle signer spent its balance",
			stale: func(t *testing.T, f *fixture, b *book) {
				if err := f.net.Debt.Transfer(b.keys[1].Address(), elsewhere, ether(1)); err != nil {
					t.Fatalf("Transfer: %v", err)
				}
			},
			keep:    []int{0, 2},
			reasons: map[int]string{1: events.ReasonInsufficientBalance},
		},
		{
			name: "head signer withdrew allowance",
			stale: func(t *testing.T, f *fixture, b *book) {
				f.net.Debt.Approve(b.keys[0].Address(), f.net.Swap.Address(), new(big.Int))
			},
			keep:    []int{1, 2},
			reasons: map[int]string{0: events.ReasonInsufficientAllowance},
		},
		{
			name: "tail nonce cancelled",
			stale: func(t *testing.T, f *fixture, b *book) {
				f.net.Swap.Cancel(b.keys[2].Address(), b.orders[2].Nonce)
			},
			keep:    []int{0, 1},
			reasons: map[int]string{2: events.ReasonNonceInvalid},
		},
		{
			name: "head and tail cancelled up to",
			stale: func(t *testing.T, f *fixture, b *book) {
				for _, i := range []int{0, 2} {
					next := new(big.Int).Add(b.orders[i].Nonce, big.NewInt(1))
					f.net.Swap.CancelUpTo(b.keys[i].Address(), next)
				}
			},
			keep:    []int{1},
			reasons: map[int]string{0: events.ReasonNonceInvalid, 2: events.ReasonNonceInvalid},
		},
		{
			name: "every order expired",
			stale: func(t *testing.T, f *fixture, b *book) {
				f.clock.Advance(time.Hour)
			},
			reasons: map[int]string{0: events.ReasonExpired, 1: events.ReasonExpired, 2: events.ReasonExpired},
		},
		{
			name: "validator revoked",
			stale: func(t *testing.T, f *fixture, b *book) {
				f.net.Registry.RevokeValidator(f.net.Swap.Address())
			},
			reasons: map[int]string{0: events.ReasonDomainRevoked, 1: events.ReasonDomainRevoked, 2: events.ReasonDomainRevoked},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			b := placeBook(t, f)
			tt.stale(t, f, b)

			out, err := f.engine.Prune(nil)
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}

			got := f.listed()
			if len(got) != len(tt.keep) {
				t.Fatalf("kept %d orders, want %d", len(got), len(tt.keep))
			}
			for i, k := range tt.keep {
				if got[i] != b.ids[k] {
					t.Errorf("position %d = %s, want order %d", i, got[i].Hex(), k)
				}
			}

			if len(out.Records) != len(tt.reasons) {
				t.Fatalf("records = %v, want %d cancellations", kinds(out.Records), len(tt.reasons))
			}
			for _, r := range out.Records {
				if r.Kind != events.KindOrderCancelled {
					t.Errorf("record kind = %s, want OrderCancelled", r.Kind)
					continue
				}
				idx := -1
				for i, id := range b.ids {
					if id == *r.OrderID {
						idx = i
					}
				}
				if want, ok := tt.reasons[idx]; !ok || r.Reason != want {
					t.Errorf("order %d cancelled for %q, want %q", idx, r.Reason, want)
				}
			}
			if out.Visited != 3 {
				t.Errorf("visited = %d, want 3", out.Visited)
			}
		})
	}
}

func TestPruneRevokedDelegate(t *testing.T) {
	f := newFixture(t)
	owner, delegate := f.key(t), f.key(t)
	f.net.Swap.AuthorizeSigner(owner.Address(), delegate.Address())
	f.fund(owner.Address(), ether(5))

	o := f.offerBy(t, owner.Address(), delegate, ether(5), ether(1))
	id, err := f.engine.RegisterOrder(o)
	if err != nil {
		t.Fatalf("RegisterOrder: %v", err)
	}

	out, _ := f.engine.Prune(nil)
	if len(out.Removed) != 0 {
		t.Fatalf("removed %d orders while delegate authorized", len(out.Removed))
	}

	f.net.Swap.RevokeSigner(owner.Address(), delegate.Address())
	out, _ = f.engine.Prune(nil)
	if len(out.Removed) != 1 || out.Removed[0] != id {
		t.Fatalf("removed = %v, want [%s]", out.Removed, id.Hex())
	}
	if out.Records[0].Reason != events.ReasonSignatoryRevoked {
		t.Errorf("reason = %q, want %q", out.Records[0].Reason, events.ReasonSignatoryRevoked)
	}
}

func TestPruneStopsWhenBudgetRunsOut(t *testing.T) {
	f := newFixture(t, withCosts(budget.Schedule{Visit: 1, Remove: 1, Swap: 1, Settle: 1}))
	placeBook(t, f)
	f.clock.Advance(time.Hour)

	out, err := f.engine.Prune(budget.NewMeter(4))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !out.BudgetExhausted {
		t.Error("BudgetExhausted = false")
	}
	if len(out.Removed) != 2 || f.engine.Depth() != 1 {
		t.Errorf("removed %d, depth %d; want 2 and 1", len(out.Removed), f.engine.Depth())
	}

	out, _ = f.engine.Prune(budget.NewMeter(4))
	if out.BudgetExhausted || f.engine.Depth() != 0 {
		t.Errorf("second prune exhausted=%v depth=%d", out.BudgetExhausted, f.engine.Depth())
	}
}

func TestPruneEmptyList(t *testing.T) {
	f := newFixture(t)
	out, err := f.engine.Prune(budget.NewMeter(0))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if out.BudgetExhausted || out.Visited != 0 {
		t.Errorf("empty prune = %+v", out)
	}
}

func TestReclaimAndReturnStake(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.ReclaimStake(f.beneficiary, f.beneficiary, ether(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("ReclaimStake err = %v, want ErrUnauthorized", err)
	}
	if err := f.engine.ReclaimStake(f.owner, devnet.DeriveAddress("stranger"), ether(10)); !errors.Is(err, ErrUnapprovedBeneficiary) {
		t.Fatalf("ReclaimStake err = %v, want ErrUnapprovedBeneficiary", err)
	}
	if err := f.engine.ReclaimStake(f.owner, f.beneficiary, new(big.Int)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("ReclaimStake err = %v, want ErrZeroAmount", err)
	}
	if err := f.engine.ReclaimStake(f.owner, f.beneficiary, ether(10)); err != nil {
		t.Fatalf("ReclaimStake: %v", err)
	}
	assertAmount(t, "pool stake", f.net.Stake.BalanceOf(f.pool), ether(90))
	assertAmount(t, "beneficiary stake", f.net.Stake.BalanceOf(f.beneficiary), ether(10))

	if err := f.engine.ReturnStake(f.beneficiary, ether(10)); err == nil {
		t.Fatal("ReturnStake without approval succeeded")
	}
	f.net.Stake.Approve(f.beneficiary, f.self, ether(10))
	if err := f.engine.ReturnStake(f.beneficiary, ether(10)); err != nil {
		t.Fatalf("ReturnStake: %v", err)
	}
	assertAmount(t, "pool stake", f.net.Stake.BalanceOf(f.pool), ether(100))
	assertKinds(t, f.emitted, events.KindStakeReclaimed, events.KindStakeReturned)
}
