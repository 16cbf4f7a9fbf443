package x402

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/protocolbanks/x402/mechanisms/evm"
)

// SettleRequest settles either a stored authorization (AuthorizationID) or
// an ephemeral signed transfer (Direct).
type SettleRequest struct {
	AuthorizationID string
	UserID          string
	Direct          *DirectSettlement
}

// DirectSettlement is a signed transfer that was never stored as an
// authorization, e.g. one produced by an SDK.
type DirectSettlement struct {
	Signature   string `json:"signature"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	ChainID     int64  `json:"chainId"`
	Token       string `json:"token"`
}

// SettleResult is returned by Settle and Execute
type SettleResult struct {
	Success         bool             `json:"success"`
	AuthorizationID string           `json:"authorizationId,omitempty"`
	TransactionHash string           `json:"transactionHash,omitempty"`
	Method          SettlementMethod `json:"method,omitempty"`
	Fee             string           `json:"fee,omitempty"`
	NetAmount       string           `json:"netAmount,omitempty"`
	Status          Status           `json:"status"`
	Network         string           `json:"network,omitempty"`
}

// Settle routes a signed transfer to the facilitator or relayer.
// Settling an already settled or completed authorization returns the stored
// transaction hash without calling any provider.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	switch {
	case req.AuthorizationID != "":
		// Ownership is checked before coalescing so cached results never
		// leak across users
		if _, err := s.loadAuthorization(ctx, req.AuthorizationID, req.UserID); err != nil {
			return nil, err
		}
		return s.settlementCache.do(ctx, "auth:"+req.AuthorizationID, func(ctx context.Context) (*SettleResult, error) {
			return s.settleAuthorization(ctx, req.AuthorizationID)
		})
	case req.Direct != nil:
		return s.settleDirect(ctx, req.Direct)
	default:
		return nil, validationError("authorizationId or transfer parameters are required")
	}
}

func (s *Service) settleAuthorization(ctx context.Context, id string) (*SettleResult, error) {
	auth, err := s.loadAuthorization(ctx, id, "")
	if err != nil {
		return nil, err
	}

	switch auth.Status {
	case StatusSettled, StatusCompleted, StatusExpired:
		return resultFromAuthorization(auth), nil
	case StatusSubmitted:
	default:
		return nil, invalidStateError(auth.ID, auth.Status, "settle")
	}

	if err := s.checkWindow(ctx, auth); err != nil {
		return nil, err
	}

	transfer, err := transferFromAuthorization(auth)
	if err != nil {
		return nil, err
	}
	route, err := s.resolveRoute(ctx, auth.ChainID, auth.TokenAddress)
	if err != nil {
		return nil, err
	}
	settlers := s.plan(route)
	if len(settlers) == 0 {
		return nil, NewPaymentError(ErrCodeUnsupportedRoute, "no settlement path for chain and token", map[string]interface{}{
			"chainId": auth.ChainID,
			"token":   auth.TokenAddress,
		})
	}

	if err := s.transition(ctx, auth, StatusSubmitted, StatusUpdate{Status: StatusExecuting}, "settle"); err != nil {
		return nil, err
	}

	outcome, err := s.dispatch(ctx, transfer, settlers)
	if err != nil {
		return nil, s.abandonExecution(ctx, auth, err)
	}
	return s.completeExecution(ctx, auth, transfer, outcome, route)
}

// abandonExecution hands an executing authorization back after a failed
// provider call. Reverts are final; everything else may be retried.
func (s *Service) abandonExecution(ctx context.Context, auth *Authorization, cause error) error {
	// The caller's context may be the one that timed out
	ctx = context.WithoutCancel(ctx)

	if errors.Is(cause, ErrTransactionReverted) {
		update := StatusUpdate{Status: StatusFailed, FailureReason: truncate(cause.Error(), 255)}
		if err := s.transition(ctx, auth, StatusExecuting, update, "fail"); err != nil {
			s.logger.Error().Err(err).Str("authorization_id", auth.ID).Msg("failed to mark authorization failed")
		} else {
			s.emit(ctx, EventAuthorizationFailed, auth, nil)
		}
		return WrapPaymentError(ErrCodeUpstreamFailure, "transfer reverted on-chain", cause)
	}

	if err := s.transition(ctx, auth, StatusExecuting, StatusUpdate{Status: StatusSubmitted}, "release"); err != nil {
		s.logger.Error().Err(err).Str("authorization_id", auth.ID).Msg("failed to release executing authorization")
	}

	var perr *PaymentError
	if errors.As(cause, &perr) {
		return perr
	}
	return WrapPaymentError(ErrCodeUpstreamFailure, "settlement provider failed", cause)
}

// completeExecution persists a successful provider call. The transfer is
// already on-chain, so persistence failures are logged rather than returned.
func (s *Service) completeExecution(
	ctx context.Context,
	auth *Authorization,
	transfer *Transfer,
	outcome *settleOutcome,
	route RouteConfig,
) (*SettleResult, error) {
	ctx = context.WithoutCancel(ctx)

	fee := feeForMethod(outcome.method, transfer.Amount, route)
	final := StatusCompleted
	event := EventAuthorizationCompleted
	if outcome.method == MethodCDP {
		final = StatusSettled
		event = EventAuthorizationSettled
	}

	update := StatusUpdate{
		Status:           final,
		TransactionHash:  outcome.txHash,
		SettlementMethod: outcome.method,
		Fee:              fee.String(),
	}
	err := s.transition(ctx, auth, StatusExecuting, update, "complete")
	if errors.Is(err, ErrInvalidState) && auth.Status != final {
		// The sweeper may have released a slow execution back to submitted
		err = s.transition(ctx, auth, StatusSubmitted, update, "complete")
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("authorization_id", auth.ID).
			Str("tx_hash", outcome.txHash).
			Msg("transfer broadcast but status update failed")
		auth.Status = final
		auth.TransactionHash = outcome.txHash
		auth.SettlementMethod = outcome.method
		auth.Fee = fee.String()
	}

	settlement := s.recordSettlement(ctx, auth.ID, transfer, outcome, fee)

	s.logger.Info().
		Str("authorization_id", auth.ID).
		Str("method", string(outcome.method)).
		Str("tx_hash", outcome.txHash).
		Str("fee", fee.String()).
		Msg("authorization settled")
	s.emit(ctx, event, auth, settlement)

	result := resultFromAuthorization(auth)
	result.NetAmount = settlement.NetAmount
	return result, nil
}

func (s *Service) recordSettlement(ctx context.Context, authID string, t *Transfer, outcome *settleOutcome, fee *big.Int) *Settlement {
	settlement := &Settlement{
		ID:              uuid.NewString(),
		AuthorizationID: authID,
		Payer:           t.Message.From,
		TokenAddress:    evm.NormalizeAddress(t.Token),
		ChainID:         t.ChainID,
		Nonce:           t.Message.Nonce,
		Method:          outcome.method,
		Amount:          t.Amount.String(),
		Fee:             fee.String(),
		NetAmount:       new(big.Int).Sub(t.Amount, fee).String(),
		TransactionHash: outcome.txHash,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateSettlement(ctx, settlement); err != nil && !errors.Is(err, ErrSettlementExists) {
		s.logger.Error().Err(err).Str("tx_hash", outcome.txHash).Msg("failed to record settlement")
	}
	return settlement
}

// ============================================================================
// Direct-parameter settlement
// ============================================================================

func (s *Service) settleDirect(ctx context.Context, d *DirectSettlement) (*SettleResult, error) {
	transfer, err := s.verifyDirect(d)
	if err != nil {
		return nil, err
	}

	key := SettlementKey{
		Payer:        transfer.Message.From,
		TokenAddress: transfer.Token,
		ChainID:      transfer.ChainID,
		Nonce:        transfer.Message.Nonce,
	}

	return s.settlementCache.do(ctx, "direct:"+key.String(), func(ctx context.Context) (*SettleResult, error) {
		if existing, err := s.store.GetSettlement(ctx, key); err == nil {
			return resultFromSettlement(existing), nil
		} else if !errors.Is(err, ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load settlement: %w", err)
		}

		used, err := s.store.IsNonceUsed(ctx, key.Payer, key.TokenAddress, key.ChainID, key.Nonce)
		if err != nil {
			return nil, fmt.Errorf("failed to check nonce: %w", err)
		}
		if used {
			s.securityEvent("nonce_reuse", nil, "direct settlement nonce already consumed")
			return nil, NewPaymentError(ErrCodeNonceReused, "nonce has already been used", nil)
		}

		route, err := s.resolveRoute(ctx, transfer.ChainID, transfer.Token)
		if err != nil {
			return nil, err
		}
		settlers := s.plan(route)
		if len(settlers) == 0 {
			return nil, NewPaymentError(ErrCodeUnsupportedRoute, "no settlement path for chain and token", map[string]interface{}{
				"chainId": transfer.ChainID,
				"token":   transfer.Token,
			})
		}

		if err := s.store.MarkNonceUsed(ctx, key.Payer, key.TokenAddress, key.ChainID, key.Nonce); err != nil {
			if errors.Is(err, ErrNonceAlreadyUsed) {
				return nil, NewPaymentError(ErrCodeNonceReused, "nonce has already been used", nil)
			}
			return nil, fmt.Errorf("failed to mark nonce: %w", err)
		}

		outcome, err := s.dispatch(ctx, transfer, settlers)
		if err != nil {
			return nil, s.abandonDirect(ctx, key, err)
		}

		fee := feeForMethod(outcome.method, transfer.Amount, route)
		settlement := s.recordSettlement(context.WithoutCancel(ctx), "", transfer, outcome, fee)
		s.logger.Info().
			Str("payer", key.Payer).
			Str("method", string(outcome.method)).
			Str("tx_hash", outcome.txHash).
			Msg("direct transfer settled")
		s.emit(ctx, EventTransferSettled, nil, settlement)

		return resultFromSettlement(settlement), nil
	})
}

// abandonDirect hands the nonce back after a failed provider call so the
// same bundle can be retried. A revert means the chain consumed or rejected
// the nonce, so it stays claimed.
func (s *Service) abandonDirect(ctx context.Context, key SettlementKey, cause error) error {
	if errors.Is(cause, ErrTransactionReverted) {
		return WrapPaymentError(ErrCodeUpstreamFailure, "transfer reverted on-chain", cause)
	}

	if err := s.store.ReleaseNonce(context.WithoutCancel(ctx), key.Payer, key.TokenAddress, key.ChainID, key.Nonce); err != nil {
		s.logger.Error().Err(err).Str("payer", key.Payer).Str("nonce", key.Nonce).Msg("failed to release direct settlement nonce")
	}

	var perr *PaymentError
	if errors.As(cause, &perr) {
		return perr
	}
	return WrapPaymentError(ErrCodeUpstreamFailure, "settlement provider failed", cause)
}

// verifyDirect validates a direct bundle and recovers its signer.
func (s *Service) verifyDirect(d *DirectSettlement) (*Transfer, error) {
	if !evm.IsValidAddress(d.From) || !evm.IsValidAddress(d.To) || !evm.IsValidAddress(d.Token) {
		return nil, validationError("from, to and token must be valid addresses")
	}
	amount, err := parseAmount(d.Value)
	if err != nil {
		return nil, err
	}
	if d.ValidBefore <= d.ValidAfter {
		return nil, validationError("validBefore must be greater than validAfter")
	}

	domain, err := evm.BuildDomain(d.ChainID, d.Token)
	if err != nil {
		return nil, WrapPaymentError(ErrCodeUnsupportedRoute, "unsupported chain or token", err)
	}
	message, err := evm.BuildMessage(d.From, d.To, amount, d.ValidAfter, d.ValidBefore, d.Nonce)
	if err != nil {
		return nil, validationError("invalid transfer: %v", err)
	}

	sig, err := decodeSignature(d.Signature)
	if err != nil {
		return nil, err
	}
	signer, err := evm.RecoverSigner(domain, message, sig)
	if err != nil {
		return nil, WrapPaymentError(ErrCodeInvalidSignature, "signature could not be recovered", err)
	}
	if !sameAddress(signer.Hex(), d.From) {
		s.securityEvent("signature_mismatch", nil, "direct settlement signer does not match from")
		return nil, NewPaymentError(ErrCodeInvalidSignature, "signature was not produced by the from address", nil)
	}

	now := s.now()
	validAfter, validBefore := time.Unix(d.ValidAfter, 0), time.Unix(d.ValidBefore, 0)
	if !now.Before(validBefore) {
		return nil, NewPaymentError(ErrCodeExpired, "transfer validity window has elapsed", nil)
	}
	if !IsWithinValidityWindow(validAfter, validBefore, now) {
		return nil, validationError("transfer is not valid until %d", d.ValidAfter)
	}

	return &Transfer{
		Domain:    domain,
		Message:   message,
		Signature: d.Signature,
		ChainID:   d.ChainID,
		Token:     domain.VerifyingContract,
		Amount:    amount,
	}, nil
}

// ============================================================================
// Conversions
// ============================================================================

func transferFromAuthorization(auth *Authorization) (*Transfer, error) {
	amount, err := auth.AmountInt()
	if err != nil {
		return nil, err
	}
	domain, err := auth.Domain()
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild domain: %w", err)
	}
	message, err := auth.Message()
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild message: %w", err)
	}
	return &Transfer{
		AuthorizationID: auth.ID,
		Domain:          domain,
		Message:         message,
		Signature:       auth.Signature,
		ChainID:         auth.ChainID,
		Token:           auth.TokenAddress,
		Amount:          amount,
	}, nil
}

func resultFromAuthorization(auth *Authorization) *SettleResult {
	result := &SettleResult{
		Success:         auth.Status.IsSuccess(),
		AuthorizationID: auth.ID,
		TransactionHash: auth.TransactionHash,
		Method:          auth.SettlementMethod,
		Fee:             auth.Fee,
		Status:          auth.Status,
		Network:         evm.NetworkForChain(auth.ChainID),
	}
	if amount, err := auth.AmountInt(); err == nil && auth.Fee != "" {
		if fee, ok := new(big.Int).SetString(auth.Fee, 10); ok {
			result.NetAmount = new(big.Int).Sub(amount, fee).String()
		}
	}
	return result
}

func resultFromSettlement(st *Settlement) *SettleResult {
	status := StatusCompleted
	if st.Method == MethodCDP {
		status = StatusSettled
	}
	return &SettleResult{
		Success:         true,
		AuthorizationID: st.AuthorizationID,
		TransactionHash: st.TransactionHash,
		Method:          st.Method,
		Fee:             st.Fee,
		NetAmount:       st.NetAmount,
		Status:          status,
		Network:         evm.NetworkForChain(st.ChainID),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
