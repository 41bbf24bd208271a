package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
)

// EIP712Domain represents the domain separator for EIP-712 typed data.
// AirSwap v2 domains carry no chain id; ChainID is hashed only when set.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// SwapDomain returns the domain of the swap protocol deployed at verifyingContract.
func SwapDomain(verifyingContract common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "SWAP",
		Version:           "2",
		VerifyingContract: verifyingContract,
	}
}

var partyType = []apitypes.Type{
	{Name: "kind", Type: "bytes4"},
	{Name: "wallet", Type: "address"},
	{Name: "token", Type: "address"},
	{Name: "amount", Type: "uint256"},
	{Name: "id", Type: "uint256"},
}

var orderType = []apitypes.Type{
	{Name: "nonce", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
	{Name: "signer", Type: "Party"},
	{Name: "sender", Type: "Party"},
	{Name: "affiliate", Type: "Party"},
}

// EIP712Signer hashes, signs and recovers orders under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// ForOrder returns a signer bound to the order's own validator domain.
func ForOrder(o *order.Order) *EIP712Signer {
	return NewEIP712Signer(SwapDomain(o.Validator()))
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) typedData(o *order.Order) apitypes.TypedData {
	domainType := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
	}
	if e.domain.ChainID != nil {
		domainType = append(domainType, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	domainType = append(domainType, apitypes.Type{Name: "verifyingContract", Type: "address"})

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order":        orderType,
			"Party":        partyType,
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"nonce":     decimalString(o.Nonce),
			"expiry":    decimalString(o.Expiry),
			"signer":    partyMessage(o.Signer),
			"sender":    partyMessage(o.Sender),
			"affiliate": partyMessage(o.Affiliate),
		},
	}
}

func partyMessage(p order.Party) map[string]interface{} {
	return map[string]interface{}{
		"kind":   hexutil.Encode(p.Kind[:]),
		"wallet": p.Wallet.Hex(),
		"token":  p.Token.Hex(),
		"amount": decimalString(p.Amount),
		"id":     decimalString(p.ID),
	}
}

func decimalString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

// DomainSeparator is hashStruct(EIP712Domain).
func (e *EIP712Signer) DomainSeparator() (common.Hash, error) {
	td := e.typedData(&order.Order{})
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	return common.BytesToHash(sep), nil
}

// HashOrder returns the EIP-712 digest keccak256("\x19\x01" || domainSeparator || hashStruct(order)).
// The digest doubles as the order id.
func (e *EIP712Signer) HashOrder(o *order.Order) (common.Hash, error) {
	if o.Nonce == nil || o.Expiry == nil || o.Signer.Amount == nil || o.Sender.Amount == nil {
		return common.Hash{}, fmt.Errorf("order is missing numeric fields")
	}
	td := e.typedData(o)
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}
	return TypedDataDigest(sep, structHash), nil
}

// signingHash is what the signatory actually signed for a given signature version.
func signingHash(digest common.Hash, version byte) ([]byte, error) {
	switch version {
	case order.VersionTypedData:
		return digest.Bytes(), nil
	case order.VersionPersonalSign:
		return accounts.TextHash(digest.Bytes()), nil
	default:
		return nil, fmt.Errorf("unsupported signature version 0x%02x", version)
	}
}

// SignOrder fills o.Signature for signer under this domain.
func (e *EIP712Signer) SignOrder(signer *Signer, o *order.Order, version byte) error {
	digest, err := e.HashOrder(o)
	if err != nil {
		return fmt.Errorf("failed to hash order: %w", err)
	}
	hash, err := signingHash(digest, version)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return fmt.Errorf("failed to sign order: %w", err)
	}
	o.Signature = order.Signature{
		Signatory: signer.Address(),
		Validator: e.domain.VerifyingContract,
		Version:   version,
		V:         sig[64] + 27,
		R:         common.BytesToHash(sig[:32]),
		S:         common.BytesToHash(sig[32:64]),
	}
	return nil
}

// RecoverOrderSigner returns the address that produced o.Signature.
func (e *EIP712Signer) RecoverOrderSigner(o *order.Order) (common.Address, error) {
	digest, err := e.HashOrder(o)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	hash, err := signingHash(digest, o.Signature.Version)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, o.Signature.Bytes())
}

// VerifyOrderSignature reports whether o.Signature was produced by its declared signatory.
func (e *EIP712Signer) VerifyOrderSignature(o *order.Order) (bool, error) {
	recovered, err := e.RecoverOrderSigner(o)
	if err != nil {
		return false, err
	}
	return recovered == o.Signature.Signatory, nil
}
