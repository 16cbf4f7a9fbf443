package evm

import (
	"math/big"
	"strings"
)

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// Equal reports whether two domains describe the same signing context.
// Contract addresses compare case-insensitively.
func (d TypedDataDomain) Equal(other TypedDataDomain) bool {
	if d.ChainID == nil || other.ChainID == nil {
		return false
	}
	return d.Name == other.Name &&
		d.Version == other.Version &&
		d.ChainID.Cmp(other.ChainID) == 0 &&
		strings.EqualFold(d.VerifyingContract, other.VerifyingContract)
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransferAuthorization is the EIP-3009 TransferWithAuthorization message.
// Integer fields are base-10 strings; Nonce is 0x-prefixed 32-byte hex.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Equal compares two messages field by field; addresses and nonce are
// compared case-insensitively.
func (m TransferAuthorization) Equal(other TransferAuthorization) bool {
	return strings.EqualFold(m.From, other.From) &&
		strings.EqualFold(m.To, other.To) &&
		m.Value == other.Value &&
		m.ValidAfter == other.ValidAfter &&
		m.ValidBefore == other.ValidBefore &&
		strings.EqualFold(m.Nonce, other.Nonce)
}

// TransactionReceipt represents a blockchain transaction receipt
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Decimals int    `json:"decimals"`
}

// ChainConfig contains chain-specific configuration
type ChainConfig struct {
	ChainID int64
	Name    string
	Network string // CAIP-2, e.g. "eip155:8453"
	USDC    AssetInfo
}
