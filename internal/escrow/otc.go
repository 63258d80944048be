package escrow

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	otcAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	OTCCodeLength = 8
)

// HashOTC is keccak256 over the raw code bytes, matching the contract's
// keccak256(abi.encodePacked(code)).
func HashOTC(code string) common.Hash {
	return crypto.Keccak256Hash([]byte(code))
}

// VerifyOTC compares in constant time.
func VerifyOTC(hash common.Hash, code string) bool {
	got := HashOTC(code)
	return subtle.ConstantTimeCompare(got[:], hash[:]) == 1
}

// GenerateOTCCode draws an 8 character code from A-Z0-9.
func GenerateOTCCode() (string, error) {
	max := big.NewInt(int64(len(otcAlphabet)))
	out := make([]byte, OTCCodeLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate otc code: %w", err)
		}
		out[i] = otcAlphabet[n.Int64()]
	}
	return string(out), nil
}
