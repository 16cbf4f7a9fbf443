package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402evm "github.com/protocolbanks/x402/mechanisms/evm"
)

// LocalSigner holds an ECDSA key in memory. It signs EIP-3009
// authorizations for payers and transactions for the relayer.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewLocalSigner creates a signer from a hex-encoded private key, with or
// without the 0x prefix.
func NewLocalSigner(privateKeyHex string) (*LocalSigner, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewLocalSignerFromKey(privateKey), nil
}

func NewLocalSignerFromKey(privateKey *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the checksummed address of the signer.
func (s *LocalSigner) Address() string {
	return s.address.Hex()
}

// SignTransferAuthorization signs the EIP-712 digest of msg under domain
// and returns the 0x-prefixed 65-byte signature with v in {27, 28}.
func (s *LocalSigner) SignTransferAuthorization(domain x402evm.TypedDataDomain, msg x402evm.TransferAuthorization) (string, error) {
	digest, err := x402evm.HashTransferAuthorization(domain, msg)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return "0x" + common.Bytes2Hex(signature), nil
}

// SignTx signs a transaction for chainID.
func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
