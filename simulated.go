package x402

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SimulatedRelayer stands in for a relayer in environments without live
// settlement. The transaction hash is keccak256(reference || signature), so
// repeated executions of the same transfer report the same hash.
type SimulatedRelayer struct{}

// NewSimulatedRelayer creates a simulated relayer
func NewSimulatedRelayer() *SimulatedRelayer {
	return &SimulatedRelayer{}
}

// Submit returns a deterministic hash without touching any chain.
func (r *SimulatedRelayer) Submit(ctx context.Context, req RelayRequest) (*RelayResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := crypto.Keccak256([]byte(req.Reference), []byte(strings.ToLower(req.Signature)))
	return &RelayResult{
		TxHash: hexutil.Encode(hash),
		Status: "simulated",
	}, nil
}

// GetStatus always reports success for simulated transfers.
func (r *SimulatedRelayer) GetStatus(ctx context.Context, txHash string) (string, error) {
	return "simulated", nil
}
