// Package devnet provides in-memory collaborators for a single-node engine: a token ledger,
// an AirSwap-style swap protocol, a two-hop constant-product AMM and an authorization registry.
package devnet

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/protocol"
)

// Token is an ERC-20 style ledger.
type Token struct {
	mu         sync.RWMutex
	address    common.Address
	symbol     string
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

func NewToken(address common.Address, symbol string) *Token {
	return &Token{
		address:    address,
		symbol:     symbol,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (t *Token) Address() common.Address { return t.address }

func (t *Token) Symbol() string { return t.symbol }

func (t *Token) Mint(to common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(to, amount)
}

func (t *Token) BalanceOf(owner common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.balance(owner))
}

func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.allowance(owner, spender))
}

func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	allowed := t.allowance(from, spender)
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%s: %w: %s allows %s %s, need %s", t.symbol, protocol.ErrInsufficientAllowance,
			from.Hex(), spender.Hex(), allowed, amount)
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

func (t *Token) move(from, to common.Address, amount *big.Int) error {
	bal := t.balance(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%s: %w: %s has %s, need %s", t.symbol, protocol.ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	t.balances[from] = new(big.Int).Sub(bal, amount)
	t.credit(to, amount)
	return nil
}

func (t *Token) credit(to common.Address, amount *big.Int) {
	t.balances[to] = new(big.Int).Add(t.balance(to), amount)
}

func (t *Token) balance(owner common.Address) *big.Int {
	if b, ok := t.balances[owner]; ok {
		return b
	}
	return new(big.Int)
}

func (t *Token) allowance(owner, spender common.Address) *big.Int {
	if a, ok := t.allowances[owner][spender]; ok {
		return a
	}
	return new(big.Int)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount %v", amount)
	}
	return nil
}
