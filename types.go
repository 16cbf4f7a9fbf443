package x402

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/protocolbanks/x402/mechanisms/evm"
)

// Status is the lifecycle state of an authorization
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusSettled   Status = "settled"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusSettled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// IsSuccess reports whether the transfer reached the chain.
func (s Status) IsSuccess() bool {
	return s == StatusCompleted || s == StatusSettled
}

// SettlementMethod identifies the provider that broadcast a transfer
type SettlementMethod string

const (
	MethodCDP     SettlementMethod = "cdp"
	MethodRelayer SettlementMethod = "relayer"
)

// Authorization is a single EIP-3009 transfer authorization and its
// settlement state.
type Authorization struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	FromAddress      string           `json:"fromAddress"`
	ToAddress        string           `json:"toAddress"`
	TokenAddress     string           `json:"tokenAddress"`
	ChainID          int64            `json:"chainId"`
	Amount           string           `json:"amount"`
	Nonce            string           `json:"nonce"`
	ValidAfter       time.Time        `json:"validAfter"`
	ValidBefore      time.Time        `json:"validBefore"`
	Signature        string           `json:"signature,omitempty"`
	Status           Status           `json:"status"`
	TransactionHash  string           `json:"transactionHash,omitempty"`
	SettlementMethod SettlementMethod `json:"settlementMethod,omitempty"`
	Fee              string           `json:"fee,omitempty"`
	FailureReason    string           `json:"failureReason,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// IsExpired reports whether the validity window has closed at now.
func (a *Authorization) IsExpired(now time.Time) bool {
	return !now.Before(a.ValidBefore)
}

// AmountInt parses Amount as a base-unit integer.
func (a *Authorization) AmountInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(a.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", a.Amount)
	}
	return v, nil
}

// Domain rebuilds the EIP-712 domain the authorization was issued under.
func (a *Authorization) Domain() (evm.TypedDataDomain, error) {
	return evm.BuildDomain(a.ChainID, a.TokenAddress)
}

// Message rebuilds the canonical TransferWithAuthorization message.
func (a *Authorization) Message() (evm.TransferAuthorization, error) {
	amount, err := a.AmountInt()
	if err != nil {
		return evm.TransferAuthorization{}, err
	}
	return evm.BuildMessage(a.FromAddress, a.ToAddress, amount, a.ValidAfter.Unix(), a.ValidBefore.Unix(), a.Nonce)
}

// StatusUpdate carries the fields written by a status transition.
// Empty fields are left unchanged.
type StatusUpdate struct {
	Status           Status
	Signature        string
	TransactionHash  string
	SettlementMethod SettlementMethod
	Fee              string
	FailureReason    string
}

// Settlement is the immutable audit record of a completed transfer.
type Settlement struct {
	ID              string           `json:"id"`
	AuthorizationID string           `json:"authorizationId,omitempty"`
	Payer           string           `json:"payer"`
	TokenAddress    string           `json:"tokenAddress"`
	ChainID         int64            `json:"chainId"`
	Nonce           string           `json:"nonce"`
	Method          SettlementMethod `json:"method"`
	Amount          string           `json:"amount"`
	Fee             string           `json:"fee"`
	NetAmount       string           `json:"netAmount"`
	TransactionHash string           `json:"transactionHash"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// SettlementKey identifies a transfer on-chain: EIP-3009 nonces are unique
// per authorizer and token contract.
type SettlementKey struct {
	Payer        string
	TokenAddress string
	ChainID      int64
	Nonce        string
}

// String returns a stable cache key.
func (k SettlementKey) String() string {
	return fmt.Sprintf("%d:%s:%s:%s",
		k.ChainID,
		strings.ToLower(k.TokenAddress),
		strings.ToLower(k.Payer),
		strings.ToLower(k.Nonce),
	)
}

// RouteConfig describes which settlement providers serve a chain/token pair.
type RouteConfig struct {
	ChainID            int64  `json:"chainId"`
	TokenAddress       string `json:"tokenAddress"`
	FacilitatorEnabled bool   `json:"facilitatorEnabled"`
	RelayerEnabled     bool   `json:"relayerEnabled"`
	FeeBps             int    `json:"feeBps"`
}

// ============================================================================
// Facilitator wire types
// ============================================================================

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:1" for Ethereum mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// PaymentRequirements defines what payment the facilitator should settle
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload contains the signed payment authorization
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    PaymentRequirements    `json:"accepted"`
}

// SettleResponse contains the facilitator settlement result
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}
