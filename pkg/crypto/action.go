package crypto

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
)

// Owner actions accepted by the engine's HTTP surface.
const (
	ActionLiquidate    = "LIQUIDATE"
	ActionReclaimStake = "RECLAIM_STAKE"
	ActionSetPool      = "SET_POOL"
)

// ActionMessage is the text an owner signs to authorise one call on one engine.
// Format: "<ACTION>:<engine>:<nonce>:<arg>:<arg>..."
func ActionMessage(action string, engine common.Address, nonce uint64, args ...string) []byte {
	parts := append([]string{action, engine.Hex(), fmt.Sprintf("%d", nonce)}, args...)
	return []byte(strings.Join(parts, ":"))
}

// SignAction signs ActionMessage(...) with EIP-191 personal_sign.
func (s *Signer) SignAction(action string, engine common.Address, nonce uint64, args ...string) ([]byte, error) {
	return s.SignText(ActionMessage(action, engine, nonce, args...))
}

// RecoverActionSigner returns who signed the given action.
func RecoverActionSigner(signature []byte, action string, engine common.Address, nonce uint64, args ...string) (common.Address, error) {
	hash := accounts.TextHash(ActionMessage(action, engine, nonce, args...))
	addr, err := RecoverAddress(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover action signer: %w", err)
	}
	return addr, nil
}
