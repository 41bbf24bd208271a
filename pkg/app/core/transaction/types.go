// Package transaction is the JSON wire form of a signed order, shared by the HTTP API,
// the p2p relay, the signing CLI and the pebble journal.
package transaction

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
)

var validate = validator.New()

// PartyPayload carries big integers as decimal strings.
type PartyPayload struct {
	Kind   string `json:"kind" validate:"omitempty,hexadecimal,len=10"` // 0x36372b07
	Wallet string `json:"wallet" validate:"eth_addr"`
	Token  string `json:"token" validate:"eth_addr"`
	Amount string `json:"amount" validate:"required,number"`
	ID     string `json:"id,omitempty" validate:"omitempty,number"`
}

type SignaturePayload struct {
	Signatory string `json:"signatory" validate:"required,eth_addr"`
	Validator string `json:"validator" validate:"required,eth_addr"`
	Version   string `json:"version" validate:"required,oneof=0x01 0x45"`
	V         uint8  `json:"v" validate:"oneof=27 28"`
	R         string `json:"r" validate:"required,hexadecimal,len=66"`
	S         string `json:"s" validate:"required,hexadecimal,len=66"`
}

// SignedOrder is an AirSwap v2 order together with its signature.
type SignedOrder struct {
	Nonce     string           `json:"nonce" validate:"required,number"`
	Expiry    string           `json:"expiry" validate:"required,number"`
	Signer    PartyPayload     `json:"signer"`
	Sender    PartyPayload     `json:"sender"`
	Affiliate *PartyPayload    `json:"affiliate,omitempty"`
	Signature SignaturePayload `json:"signature"`
}

// Validate checks structure only. Cryptographic and protocol checks happen at admission.
func (s *SignedOrder) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid signed order: %w", err)
	}
	return nil
}

// ToOrder converts the payload into the domain model.
func (s *SignedOrder) ToOrder() (*order.Order, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	nonce, err := parseUint256("nonce", s.Nonce)
	if err != nil {
		return nil, err
	}
	expiry, err := parseUint256("expiry", s.Expiry)
	if err != nil {
		return nil, err
	}
	signer, err := s.Signer.toParty("signer")
	if err != nil {
		return nil, err
	}
	sender, err := s.Sender.toParty("sender")
	if err != nil {
		return nil, err
	}
	affiliate := order.EmptyParty()
	if s.Affiliate != nil {
		if affiliate, err = s.Affiliate.toParty("affiliate"); err != nil {
			return nil, err
		}
	}
	version, err := strconv.ParseUint(strings.TrimPrefix(s.Signature.Version, "0x"), 16, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid signature version: %s", s.Signature.Version)
	}

	return &order.Order{
		Nonce:     nonce,
		Expiry:    expiry,
		Signer:    signer,
		Sender:    sender,
		Affiliate: affiliate,
		Signature: order.Signature{
			Signatory: common.HexToAddress(s.Signature.Signatory),
			Validator: common.HexToAddress(s.Signature.Validator),
			Version:   byte(version),
			V:         s.Signature.V,
			R:         common.HexToHash(s.Signature.R),
			S:         common.HexToHash(s.Signature.S),
		},
	}, nil
}

func (p *PartyPayload) toParty(field string) (order.Party, error) {
	amount, err := parseUint256(field+".amount", p.Amount)
	if err != nil {
		return order.Party{}, err
	}
	id := new(big.Int)
	if p.ID != "" {
		if id, err = parseUint256(field+".id", p.ID); err != nil {
			return order.Party{}, err
		}
	}
	kind := order.ERC20Kind
	if p.Kind != "" {
		raw, err := hexutil.Decode(p.Kind)
		if err != nil || len(raw) != 4 {
			return order.Party{}, fmt.Errorf("invalid %s.kind: %s", field, p.Kind)
		}
		copy(kind[:], raw)
	}
	return order.Party{
		Kind:   kind,
		Wallet: common.HexToAddress(p.Wallet),
		Token:  common.HexToAddress(p.Token),
		Amount: amount,
		ID:     id,
	}, nil
}

func parseUint256(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("invalid %s: %s", field, s)
	}
	return v, nil
}

// FromOrder converts a domain order into its wire form.
func FromOrder(o *order.Order) *SignedOrder {
	affiliate := fromParty(o.Affiliate)
	return &SignedOrder{
		Nonce:     o.Nonce.String(),
		Expiry:    o.Expiry.String(),
		Signer:    fromParty(o.Signer),
		Sender:    fromParty(o.Sender),
		Affiliate: &affiliate,
		Signature: SignaturePayload{
			Signatory: o.Signature.Signatory.Hex(),
			Validator: o.Signature.Validator.Hex(),
			Version:   fmt.Sprintf("0x%02x", o.Signature.Version),
			V:         o.Signature.V,
			R:         o.Signature.R.Hex(),
			S:         o.Signature.S.Hex(),
		},
	}
}

func fromParty(p order.Party) PartyPayload {
	id := "0"
	if p.ID != nil {
		id = p.ID.String()
	}
	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	return PartyPayload{
		Kind:   hexutil.Encode(p.Kind[:]),
		Wallet: p.Wallet.Hex(),
		Token:  p.Token.Hex(),
		Amount: amount,
		ID:     id,
	}
}

// Serialize converts the order to JSON bytes.
func (s *SignedOrder) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// Deserialize parses JSON bytes into a SignedOrder.
func Deserialize(data []byte) (*SignedOrder, error) {
	var s SignedOrder
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signed order: %w", err)
	}
	return &s, nil
}
