package evm

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// HashTypedData hashes EIP-712 typed data
//
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
//
// Args:
//
//	domain: The EIP-712 domain separator parameters
//	types: The type definitions for the structured data
//	primaryType: The name of the primary type being hashed
//	message: The message data to hash
//
// Returns:
//
//	32-byte hash suitable for signing or verification
//	error if hashing fails
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	// Add EIP712Domain type if not present
	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// Create EIP-712 digest: 0x19 0x01 <domainSeparator> <dataHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)

	return crypto.Keccak256(rawData), nil
}

// BuildDomain returns the EIP-712 domain of a registered token.
func BuildDomain(chainID int64, token string) (TypedDataDomain, error) {
	asset, err := GetAssetInfo(chainID, token)
	if err != nil {
		return TypedDataDomain{}, err
	}
	return TypedDataDomain{
		Name:              asset.Name,
		Version:           asset.Version,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: NormalizeAddress(asset.Address),
	}, nil
}

// BuildMessage assembles a canonical TransferWithAuthorization message.
// Addresses are checksummed and the nonce is padded to 32 bytes.
func BuildMessage(from, to string, value *big.Int, validAfter, validBefore int64, nonce string) (TransferAuthorization, error) {
	if value == nil || value.Sign() < 0 {
		return TransferAuthorization{}, fmt.Errorf("invalid value")
	}
	padded, err := PadNonce(nonce)
	if err != nil {
		return TransferAuthorization{}, err
	}
	return TransferAuthorization{
		From:        NormalizeAddress(from),
		To:          NormalizeAddress(to),
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(validAfter, 10),
		ValidBefore: strconv.FormatInt(validBefore, 10),
		Nonce:       padded,
	}, nil
}

// MessageMap converts a TransferAuthorization into the value map consumed by
// the typed-data encoder.
func MessageMap(msg TransferAuthorization) (map[string]interface{}, error) {
	value, ok := new(big.Int).SetString(msg.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", msg.Value)
	}
	validAfter, ok := new(big.Int).SetString(msg.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", msg.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(msg.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", msg.ValidBefore)
	}
	nonce, err := NonceToBytes32(msg.Nonce)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"from":        common.HexToAddress(msg.From).Hex(),
		"to":          common.HexToAddress(msg.To).Hex(),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce[:],
	}, nil
}

// HashTransferAuthorization returns the EIP-712 digest of a transfer authorization.
func HashTransferAuthorization(domain TypedDataDomain, msg TransferAuthorization) ([]byte, error) {
	message, err := MessageMap(msg)
	if err != nil {
		return nil, err
	}
	return HashTypedData(domain, TransferWithAuthorizationTypes(), PrimaryTypeTransferWithAuthorization, message)
}

// RecoverSigner recovers the address that produced signature over the typed
// data. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(domain TypedDataDomain, msg TransferAuthorization, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(signature))
	}

	digest, err := HashTransferAuthorization(domain, msg)
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id %d", ErrInvalidSignature, signature[64])
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// SplitSignature splits a 65-byte signature into the v, r, s components
// expected by transferWithAuthorization. v is normalised to 27/28.
func SplitSignature(signature []byte) (v uint8, r, s [32]byte, err error) {
	if len(signature) != SignatureLength {
		return 0, r, s, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(signature))
	}
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v = signature[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
