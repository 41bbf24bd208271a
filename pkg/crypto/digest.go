package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// TypedDataDigest computes keccak256("\x19\x01" || domainSeparator || structHash).
func TypedDataDigest(domainSeparator, structHash []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte{0x19, 0x01})
	h.Write(domainSeparator)
	h.Write(structHash)
	var out common.Hash
	h.Sum(out[:0])
	return out
}
