package x402

import (
	"context"
	"strings"
)

// ExecuteRequest asks the service to broadcast a transfer through the
// relayer. Signature may be empty when the authorization is already
// submitted.
type ExecuteRequest struct {
	TransferID string `json:"transferId"`
	UserID     string `json:"-"`
	Signature  string `json:"signature"`
}

// ExecuteResult is the outcome of Execute
type ExecuteResult struct {
	Success    bool             `json:"success"`
	TransferID string           `json:"transferId"`
	TxHash     string           `json:"txHash,omitempty"`
	Status     Status           `json:"status"`
	Method     SettlementMethod `json:"method,omitempty"`
	Fee        string           `json:"fee,omitempty"`
}

// Execute broadcasts an authorization through the relayer, or the simulated
// relayer when none is configured. A pending authorization is verified with
// the supplied signature first.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if _, err := s.loadAuthorization(ctx, req.TransferID, req.UserID); err != nil {
		return nil, err
	}

	result, err := s.settlementCache.do(ctx, "auth:"+req.TransferID, func(ctx context.Context) (*SettleResult, error) {
		return s.executeAuthorization(ctx, req.TransferID, req.Signature)
	})
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{
		Success:    result.Success,
		TransferID: req.TransferID,
		TxHash:     result.TransactionHash,
		Status:     result.Status,
		Method:     result.Method,
		Fee:        result.Fee,
	}, nil
}

func (s *Service) executeAuthorization(ctx context.Context, id, signature string) (*SettleResult, error) {
	auth, err := s.loadAuthorization(ctx, id, "")
	if err != nil {
		return nil, err
	}

	switch auth.Status {
	case StatusCompleted, StatusSettled, StatusExpired:
		return resultFromAuthorization(auth), nil
	case StatusPending, StatusSubmitted:
	default:
		return nil, invalidStateError(auth.ID, auth.Status, "execute")
	}

	if err := s.checkWindow(ctx, auth); err != nil {
		return nil, err
	}

	if auth.Status == StatusPending {
		if signature == "" {
			return nil, validationError("signature is required for a pending authorization")
		}
		if err := s.verifyAndSubmit(ctx, auth, nil, nil, signature); err != nil {
			return nil, err
		}
	} else if signature != "" && !strings.EqualFold(signature, auth.Signature) {
		s.securityEvent("signature_mismatch", auth, "execute signature differs from submitted signature")
		return nil, NewPaymentError(ErrCodeInvalidSignature, "signature does not match the submitted signature", nil)
	}

	transfer, err := transferFromAuthorization(auth)
	if err != nil {
		return nil, err
	}
	route, err := s.resolveRoute(ctx, auth.ChainID, auth.TokenAddress)
	if err != nil {
		return nil, err
	}

	settler, ok := s.settlers[MethodRelayer]
	if !ok {
		settler = s.simulated
	}

	if err := s.transition(ctx, auth, StatusSubmitted, StatusUpdate{Status: StatusExecuting}, "execute"); err != nil {
		return nil, err
	}

	outcome, err := s.dispatch(ctx, transfer, []Settler{settler})
	if err != nil {
		return nil, s.abandonExecution(ctx, auth, err)
	}
	return s.completeExecution(ctx, auth, transfer, outcome, route)
}
