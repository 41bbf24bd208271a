package devnet

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/protocol"
	"github.com/uhyunpark/stakeliquidator/pkg/crypto"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

// Swap is an AirSwap v2 style settlement contract. Nonces are single use per signer; a signer can
// cancel individual nonces, raise a minimum nonce, and delegate signing to other keys.
type Swap struct {
	mu        sync.Mutex
	address   common.Address
	eip712    *crypto.EIP712Signer
	tokens    map[common.Address]protocol.Token
	clock     util.Clock
	used      map[common.Address]map[string]bool
	minimum   map[common.Address]*big.Int
	delegates map[common.Address]map[common.Address]bool
}

func NewSwap(address common.Address, clock util.Clock, tokens ...protocol.Token) *Swap {
	if clock == nil {
		clock = util.RealClock{}
	}
	s := &Swap{
		address:   address,
		eip712:    crypto.NewEIP712Signer(crypto.SwapDomain(address)),
		tokens:    make(map[common.Address]protocol.Token),
		clock:     clock,
		used:      make(map[common.Address]map[string]bool),
		minimum:   make(map[common.Address]*big.Int),
		delegates: make(map[common.Address]map[common.Address]bool),
	}
	for _, t := range tokens {
		s.tokens[t.Address()] = t
	}
	return s
}

func (s *Swap) Address() common.Address { return s.address }

// Signer returns the EIP-712 signer for this domain; clients sign orders with it.
func (s *Swap) Signer() *crypto.EIP712Signer { return s.eip712 }

func (s *Swap) Verify(o *order.Order) (common.Address, error) {
	if o.Validator() != s.address {
		return common.Address{}, fmt.Errorf("%w: validator %s", protocol.ErrInvalidSignature, o.Validator().Hex())
	}
	recovered, err := s.eip712.RecoverOrderSigner(o)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", protocol.ErrInvalidSignature, err)
	}
	if recovered != o.Signature.Signatory {
		return common.Address{}, fmt.Errorf("%w: recovered %s", protocol.ErrInvalidSignature, recovered.Hex())
	}
	return recovered, nil
}

func (s *Swap) IsNonceCancelled(signer common.Address, nonce *big.Int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[signer][nonce.String()]
}

func (s *Swap) MinimumNonce(signer common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.minimum[signer]; ok {
		return new(big.Int).Set(m)
	}
	return new(big.Int)
}

func (s *Swap) IsNonceValid(signer common.Address, nonce *big.Int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonceValid(signer, nonce)
}

func (s *Swap) nonceValid(signer common.Address, nonce *big.Int) bool {
	if s.used[signer][nonce.String()] {
		return false
	}
	if m, ok := s.minimum[signer]; ok && nonce.Cmp(m) < 0 {
		return false
	}
	return true
}

func (s *Swap) IsAuthorizedSigner(signer, delegate common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegates[signer][delegate]
}

// Cancel marks nonces of signer as used.
func (s *Swap) Cancel(signer common.Address, nonces ...*big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nonces {
		s.markUsed(signer, n)
	}
}

// CancelUpTo invalidates every nonce of signer below minimum.
func (s *Swap) CancelUpTo(signer common.Address, minimum *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minimum[signer] = new(big.Int).Set(minimum)
}

func (s *Swap) AuthorizeSigner(signer, delegate common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delegates[signer] == nil {
		s.delegates[signer] = make(map[common.Address]bool)
	}
	s.delegates[signer][delegate] = true
}

func (s *Swap) RevokeSigner(signer, delegate common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.delegates[signer], delegate)
}

func (s *Swap) markUsed(signer common.Address, nonce *big.Int) {
	if s.used[signer] == nil {
		s.used[signer] = make(map[string]bool)
	}
	s.used[signer][nonce.String()] = true
}

// Swap settles fill: signer pays debt token to sender, sender pays stake token to signer.
// Either both legs move or neither does.
func (s *Swap) Swap(sender common.Address, o *order.Order, fill protocol.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	signer := o.Signer.Wallet
	if o.Sender.Wallet != sender {
		return fmt.Errorf("%w: order names %s", protocol.ErrSenderMismatch, o.Sender.Wallet.Hex())
	}
	if o.Expired(s.clock.Now().Unix()) {
		return protocol.ErrOrderExpired
	}
	if !s.nonceValid(signer, o.Nonce) {
		return fmt.Errorf("%w: %s", protocol.ErrNonceInvalid, o.Nonce)
	}
	signatory, err := s.Verify(o)
	if err != nil {
		return err
	}
	if signatory != signer && !s.delegates[signer][signatory] {
		return fmt.Errorf("%w: %s", protocol.ErrUnauthorizedSignatory, signatory.Hex())
	}
	if err := checkFill(o, fill); err != nil {
		return err
	}

	signerToken, ok := s.tokens[o.Signer.Token]
	if !ok {
		return fmt.Errorf("no transfer handler for %s", o.Signer.Token.Hex())
	}
	senderToken, ok := s.tokens[o.Sender.Token]
	if !ok {
		return fmt.Errorf("no transfer handler for %s", o.Sender.Token.Hex())
	}
	if err := s.canPull(signerToken, signer, fill.SignerAmount); err != nil {
		return err
	}
	if err := s.canPull(senderToken, sender, fill.SenderAmount); err != nil {
		return err
	}

	if err := signerToken.TransferFrom(s.address, signer, sender, fill.SignerAmount); err != nil {
		return err
	}
	if err := senderToken.TransferFrom(s.address, sender, signer, fill.SenderAmount); err != nil {
		if rerr := signerToken.Transfer(sender, signer, fill.SignerAmount); rerr != nil {
			return fmt.Errorf("swap leg failed (%v) and could not be reverted: %w", err, rerr)
		}
		return err
	}
	s.markUsed(signer, o.Nonce)
	return nil
}

func (s *Swap) canPull(t protocol.Token, from common.Address, amount *big.Int) error {
	if bal := t.BalanceOf(from); bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, need %s", protocol.ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	if allowed := t.Allowance(from, s.address); allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s allows %s, need %s", protocol.ErrInsufficientAllowance, from.Hex(), allowed, amount)
	}
	return nil
}

// checkFill enforces 0 < signerFill <= signerAmount, senderFill <= senderAmount, and that the
// sender pays at least the signed rate.
func checkFill(o *order.Order, fill protocol.Fill) error {
	if fill.SignerAmount == nil || fill.SenderAmount == nil || fill.SignerAmount.Sign() <= 0 || fill.SenderAmount.Sign() < 0 {
		return fmt.Errorf("%w: empty fill", protocol.ErrFillRate)
	}
	if fill.SignerAmount.Cmp(o.SignerAmount()) > 0 || fill.SenderAmount.Cmp(o.SenderAmount()) > 0 {
		return fmt.Errorf("%w: fill exceeds order", protocol.ErrFillRate)
	}
	paid := new(big.Int).Mul(fill.SenderAmount, o.SignerAmount())
	owed := new(big.Int).Mul(fill.SignerAmount, o.SenderAmount())
	if paid.Cmp(owed) < 0 {
		return protocol.ErrFillRate
	}
	return nil
}
