// Package order holds the signed sell-order model: the signer offers debt token, the engine
// (sender) pays stake token, and a validator domain vouches for the signature.
package order

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ID identifies an admitted order. It is the EIP-712 digest of the order under its validator domain.
type ID = common.Hash

// None is the null link: the predecessor of the head and the successor of the tail.
var None ID

// ERC20Kind is the ERC-165 interface id that tags fungible-token parties.
var ERC20Kind = [4]byte{0x36, 0x37, 0x2b, 0x07}

const (
	VersionTypedData    byte = 0x01 // signature over the EIP-712 digest
	VersionPersonalSign byte = 0x45 // signature over EIP-191 personal_sign(digest)
)

// Party is one side of a swap.
type Party struct {
	Kind   [4]byte
	Wallet common.Address
	Token  common.Address
	Amount *big.Int
	ID     *big.Int
}

// Signature is the proof attached to an order. Signatory may differ from the signer wallet
// when the signer delegated signing authority.
type Signature struct {
	Signatory common.Address
	Validator common.Address
	Version   byte
	V         uint8
	R         common.Hash
	S         common.Hash
}

// Bytes returns the 65-byte [R || S || V] form with V normalised to 0/1.
func (s Signature) Bytes() []byte {
	sig := make([]byte, 65)
	copy(sig[:32], s.R[:])
	copy(sig[32:64], s.S[:])
	v := s.V
	if v >= 27 {
		v -= 27
	}
	sig[64] = v
	return sig
}

type Order struct {
	Nonce     *big.Int
	Expiry    *big.Int // unix seconds
	Signer    Party
	Sender    Party
	Affiliate Party
	Signature Signature
}

// Validator is the signed-order protocol instance (domain) vouching for the order.
func (o *Order) Validator() common.Address { return o.Signature.Validator }

// SignerAmount is the debt token offered; it is the sort key of the order list.
func (o *Order) SignerAmount() *big.Int { return amountOrZero(o.Signer.Amount) }

// SenderAmount is the stake token asked in exchange.
func (o *Order) SenderAmount() *big.Int { return amountOrZero(o.Sender.Amount) }

// Expired reports whether the order is void at unix time now.
func (o *Order) Expired(now int64) bool {
	if o.Expiry == nil {
		return true
	}
	return o.Expiry.Cmp(big.NewInt(now)) <= 0
}

// Clone returns a deep copy so callers cannot mutate orders owned by the list.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Nonce = cloneInt(o.Nonce)
	c.Expiry = cloneInt(o.Expiry)
	c.Signer = o.Signer.clone()
	c.Sender = o.Sender.clone()
	c.Affiliate = o.Affiliate.clone()
	return &c
}

func (p Party) clone() Party {
	p.Amount = cloneInt(p.Amount)
	p.ID = cloneInt(p.ID)
	return p
}

// NewParty builds an ERC-20 party.
func NewParty(wallet, token common.Address, amount *big.Int) Party {
	return Party{Kind: ERC20Kind, Wallet: wallet, Token: token, Amount: cloneInt(amount), ID: new(big.Int)}
}

// EmptyParty is the affiliate used when no affiliate fee applies.
func EmptyParty() Party {
	return Party{Kind: ERC20Kind, Amount: new(big.Int), ID: new(big.Int)}
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

func amountOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
