package devnet

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/protocol"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

// DeriveAddress returns a stable address for a named devnet contract.
func DeriveAddress(name string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("stakeliquidator/devnet/" + name)))
}

// Network bundles every collaborator the engine needs.
type Network struct {
	Stake    *Token
	Debt     *Token
	Swap     *Swap
	AMM      *AMM
	Registry *Registry
	Router   protocol.StaticRouter
}

func NewNetwork(clock util.Clock) *Network {
	stake := NewToken(DeriveAddress("stake"), "STK")
	debt := NewToken(DeriveAddress("debt"), "DEBT")
	swap := NewSwap(DeriveAddress("swap"), clock, stake, debt)
	registry := NewRegistry()
	registry.AuthorizeValidator(swap.Address())

	return &Network{
		Stake:    stake,
		Debt:     debt,
		Swap:     swap,
		AMM:      NewAMM(DeriveAddress("amm"), stake, debt, clock),
		Registry: registry,
		Router:   protocol.NewStaticRouter(swap),
	}
}

// SeedLiquidity mints reserves to a provider and deposits them into the AMM.
func (n *Network) SeedLiquidity(stakeAmount, debtAmount, ethPerSide *big.Int) error {
	provider := DeriveAddress("liquidity-provider")
	n.Stake.Mint(provider, stakeAmount)
	n.Debt.Mint(provider, debtAmount)
	return n.AMM.AddLiquidity(provider, stakeAmount, debtAmount, ethPerSide)
}

// FundPool mints stake to pool and lets engine pull all of it.
func (n *Network) FundPool(pool, engine common.Address, amount *big.Int) error {
	n.Stake.Mint(pool, amount)
	return n.Stake.Approve(pool, engine, n.Stake.BalanceOf(pool))
}
