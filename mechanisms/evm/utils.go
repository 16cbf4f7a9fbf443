package evm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownChain is returned for chain IDs without a registered config
	ErrUnknownChain = errors.New("unknown chain")

	// ErrUnknownAsset is returned when a token is not registered on a chain
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrInvalidSignature is returned for signatures that cannot be decoded or recovered
	ErrInvalidSignature = errors.New("invalid signature")
)

// HexToBytes decodes a hex string with or without a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// PadNonce left-pads a hex nonce to 32 bytes and returns the 0x-prefixed,
// lower-case form. Signing and recovery must agree on this encoding.
func PadNonce(nonce string) (string, error) {
	b, err := HexToBytes(nonce)
	if err != nil {
		return "", fmt.Errorf("invalid nonce: %w", err)
	}
	if len(b) > NonceLength {
		return "", fmt.Errorf("invalid nonce: %d bytes exceeds %d", len(b), NonceLength)
	}
	return "0x" + hex.EncodeToString(common.LeftPadBytes(b, NonceLength)), nil
}

// NonceToBytes32 converts a hex nonce into a fixed bytes32 value.
func NonceToBytes32(nonce string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(nonce)
	if err != nil {
		return out, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(b) > NonceLength {
		return out, fmt.Errorf("invalid nonce: %d bytes exceeds %d", len(b), NonceLength)
	}
	copy(out[NonceLength-len(b):], b)
	return out, nil
}

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsValidAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress returns the EIP-55 checksummed form of an address.
func NormalizeAddress(s string) string {
	return common.HexToAddress(s).Hex()
}

// GetChainConfig returns the registered configuration for a chain.
func GetChainConfig(chainID int64) (ChainConfig, error) {
	cfg, ok := ChainConfigs[chainID]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return cfg, nil
}

// GetAssetInfo returns the registered token on a chain matching the given
// contract address.
func GetAssetInfo(chainID int64, token string) (AssetInfo, error) {
	cfg, err := GetChainConfig(chainID)
	if err != nil {
		return AssetInfo{}, err
	}
	if !strings.EqualFold(cfg.USDC.Address, token) {
		return AssetInfo{}, fmt.Errorf("%w: %s on chain %d", ErrUnknownAsset, token, chainID)
	}
	return cfg.USDC, nil
}

// NetworkForChain returns the CAIP-2 identifier for a chain ID.
func NetworkForChain(chainID int64) string {
	if cfg, ok := ChainConfigs[chainID]; ok {
		return cfg.Network
	}
	return fmt.Sprintf("eip155:%d", chainID)
}
