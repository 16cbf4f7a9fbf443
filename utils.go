package x402

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"github.com/protocolbanks/x402/mechanisms/evm"
)

// AuthorizationIDPrefix prefixes every authorization id
const AuthorizationIDPrefix = "x402_"

// GenerateNonce returns a random 32-byte nonce as 0x-prefixed hex
func GenerateNonce() (string, error) {
	b := make([]byte, evm.NonceLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(b), nil
}

// GenerateAuthorizationID returns a new authorization id
func GenerateAuthorizationID() string {
	return AuthorizationIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// parseAmount parses a positive base-unit integer.
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, validationError("amount %q is not an integer", s)
	}
	if v.Sign() <= 0 {
		return nil, validationError("amount must be greater than zero")
	}
	return v, nil
}

// decodeSignature decodes a 65-byte hex signature.
func decodeSignature(sig string) ([]byte, error) {
	if !strings.HasPrefix(sig, "0x") {
		return nil, NewPaymentError(ErrCodeInvalidSignature, "signature must be 0x-prefixed hex", nil)
	}
	b, err := evm.HexToBytes(sig)
	if err != nil || len(b) != evm.SignatureLength {
		return nil, NewPaymentError(ErrCodeInvalidSignature, "signature must be 65 bytes", nil)
	}
	return b, nil
}

func zeroAddress(addr string) bool {
	return strings.EqualFold(evm.NormalizeAddress(addr), "0x0000000000000000000000000000000000000000")
}
