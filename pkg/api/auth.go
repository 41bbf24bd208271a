package api

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/stakeliquidator/pkg/crypto"
)

var (
	ErrStaleNonce   = errors.New("action nonce is not current")
	ErrNotOwner     = errors.New("action not signed by owner")
	ErrBadActionSig = errors.New("malformed action signature")
)

// NonceStore persists the next owner action nonce across restarts.
type NonceStore interface {
	OwnerNonce() (uint64, error)
	SetOwnerNonce(nonce uint64) error
}

// Authenticator checks owner-signed actions. Nonces are sequential and a nonce is only
// consumed by a valid owner signature, so strangers cannot burn them. With a NonceStore the
// counter survives restarts and an accepted action is never accepted again.
type Authenticator struct {
	mu     sync.Mutex
	owner  common.Address
	engine common.Address
	nonces NonceStore // optional
	nonce  uint64
}

func NewAuthenticator(owner, engine common.Address, nonces NonceStore) (*Authenticator, error) {
	a := &Authenticator{owner: owner, engine: engine, nonces: nonces}
	if nonces != nil {
		n, err := nonces.OwnerNonce()
		if err != nil {
			return nil, fmt.Errorf("failed to load owner nonce: %w", err)
		}
		a.nonce = n
	}
	return a, nil
}

// Nonce is the nonce the next action must carry.
func (a *Authenticator) Nonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// Verify recovers the signer of action and returns it when it is the owner.
func (a *Authenticator) Verify(action string, auth ActionAuth, args ...string) (common.Address, error) {
	sig, err := hexutil.Decode(auth.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadActionSig, err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: %d bytes", ErrBadActionSig, len(sig))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if auth.Nonce != a.nonce {
		return common.Address{}, fmt.Errorf("%w: got %d, want %d", ErrStaleNonce, auth.Nonce, a.nonce)
	}
	signer, err := crypto.RecoverActionSigner(sig, action, a.engine, auth.Nonce, args...)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadActionSig, err)
	}
	if signer != a.owner {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNotOwner, signer.Hex())
	}
	next := a.nonce + 1
	if a.nonces != nil {
		if err := a.nonces.SetOwnerNonce(next); err != nil {
			return common.Address{}, fmt.Errorf("failed to persist owner nonce: %w", err)
		}
	}
	a.nonce = next
	return signer, nil
}
