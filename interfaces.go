package x402

import (
	"context"
	"errors"
	"time"

	"github.com/protocolbanks/x402/mechanisms/evm"
)

// Store contract errors. Implementations must return these (optionally
// wrapped) so the lifecycle can tell a lost race from a broken backend.
var (
	// ErrRecordNotFound is returned by point lookups that match nothing
	ErrRecordNotFound = errors.New("record not found")

	// ErrStatusConflict is returned by TransitionStatus when the row is no
	// longer in the expected status (0 rows updated)
	ErrStatusConflict = errors.New("status conflict")

	// ErrNonceAlreadyUsed is returned by MarkNonceUsed when the unique
	// constraint rejects the insert
	ErrNonceAlreadyUsed = errors.New("nonce already used")

	// ErrSettlementExists is returned by CreateSettlement for a duplicate key
	ErrSettlementExists = errors.New("settlement already recorded")

	// ErrTransactionReverted is returned by settlement providers when the
	// transfer was mined and reverted; it is never retried
	ErrTransactionReverted = errors.New("transaction reverted")
)

// ============================================================================
// Persistence
// ============================================================================

// AuthorizationStore persists authorizations. Every status change goes
// through TransitionStatus, a conditional update guarded by the expected
// prior status.
type AuthorizationStore interface {
	CreateAuthorization(ctx context.Context, auth *Authorization) error
	GetAuthorization(ctx context.Context, id string) (*Authorization, error)

	// TransitionStatus applies update only if the row is currently in from.
	// Returns ErrStatusConflict when another caller won the race.
	TransitionStatus(ctx context.Context, id string, from Status, update StatusUpdate) error

	// SubmitAuthorization consumes the row's nonce under (from address,
	// token, chain) and moves it from pending to update.Status atomically.
	// On ErrNonceAlreadyUsed, ErrStatusConflict or any other error neither
	// change is kept.
	SubmitAuthorization(ctx context.Context, id string, update StatusUpdate) error

	// ListExpirable returns pending or submitted rows whose window closed before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Authorization, error)

	// ListStaleExecuting returns executing rows last updated before cutoff.
	ListStaleExecuting(ctx context.Context, cutoff time.Time, limit int) ([]*Authorization, error)
}

// NonceStore tracks consumed nonces per (payer, token, chain). EIP-3009
// nonces belong to the authorizer, so stored and direct settlements share
// one scope.
type NonceStore interface {
	IsNonceUsed(ctx context.Context, payer, token string, chainID int64, nonce string) (bool, error)

	// MarkNonceUsed inserts the nonce; a duplicate yields ErrNonceAlreadyUsed.
	MarkNonceUsed(ctx context.Context, payer, token string, chainID int64, nonce string) error

	// ReleaseNonce deletes a consumed nonce. Releasing an unknown nonce is not an error.
	ReleaseNonce(ctx context.Context, payer, token string, chainID int64, nonce string) error
}

// SettlementStore records completed settlements.
type SettlementStore interface {
	CreateSettlement(ctx context.Context, s *Settlement) error
	GetSettlement(ctx context.Context, key SettlementKey) (*Settlement, error)
}

// RouteStore holds per chain/token settlement routing.
type RouteStore interface {
	GetRouteConfig(ctx context.Context, chainID int64, token string) (*RouteConfig, error)
	UpsertRouteConfig(ctx context.Context, cfg *RouteConfig) error
}

// Store is the full persistence surface used by Service.
type Store interface {
	AuthorizationStore
	NonceStore
	SettlementStore
	RouteStore
}

// ============================================================================
// Settlement providers
// ============================================================================

// Facilitator is a zero-fee settlement service (e.g. CDP).
type Facilitator interface {
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	GetStatus(ctx context.Context, txHash string) (string, error)
}

// RelayRequest is a signed transfer handed to a relayer.
type RelayRequest struct {
	// Reference is the authorization id, or the settlement key in direct mode.
	// Relayers use it as an idempotency key.
	Reference string                    `json:"reference"`
	Domain    evm.TypedDataDomain       `json:"domain"`
	Message   evm.TransferAuthorization `json:"message"`
	Signature string                    `json:"signature"`
	Token     string                    `json:"token"`
	ChainID   int64                     `json:"chainId"`
}

// RelayResult is the relayer's acknowledgement.
type RelayResult struct {
	RelayerAddress string `json:"relayerAddress,omitempty"`
	TxHash         string `json:"transactionHash,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Relayer broadcasts transferWithAuthorization on behalf of the payer.
type Relayer interface {
	Submit(ctx context.Context, req RelayRequest) (*RelayResult, error)
	GetStatus(ctx context.Context, txHash string) (string, error)
}
