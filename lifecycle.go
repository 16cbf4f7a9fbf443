package x402

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CancelReason is recorded as the failure reason of a cancelled authorization
const CancelReason = "cancelled"

// StatusResult is the observable state of an authorization
type StatusResult struct {
	TransferID  string           `json:"transferId"`
	Status      Status           `json:"status"`
	TxHash      string           `json:"txHash,omitempty"`
	Method      SettlementMethod `json:"method,omitempty"`
	Fee         string           `json:"fee,omitempty"`
	ValidBefore int64            `json:"validBefore"`
	ChainStatus string           `json:"chainStatus,omitempty"`
}

// GetStatus reports an authorization's state. Lapsed pending or submitted
// rows are moved to expired on read. With refresh, the provider that
// broadcast the transfer is asked for its view; the stored status is never
// downgraded from it.
func (s *Service) GetStatus(ctx context.Context, transferID, userID string, refresh bool) (*StatusResult, error) {
	auth, err := s.loadAuthorization(ctx, transferID, userID)
	if err != nil {
		return nil, err
	}

	if (auth.Status == StatusPending || auth.Status == StatusSubmitted) && auth.IsExpired(s.now()) {
		// expire always reports Expired; the row itself is what matters here
		_ = s.expire(ctx, auth)
		if fresh, err := s.store.GetAuthorization(ctx, auth.ID); err == nil {
			auth = fresh
		}
	}

	result := &StatusResult{
		TransferID:  auth.ID,
		Status:      auth.Status,
		TxHash:      auth.TransactionHash,
		Method:      auth.SettlementMethod,
		Fee:         auth.Fee,
		ValidBefore: auth.ValidBefore.Unix(),
	}

	if refresh && auth.TransactionHash != "" {
		settler, ok := s.settlers[auth.SettlementMethod]
		if !ok {
			settler = s.simulated
		}
		chainStatus, err := settler.Status(ctx, auth.TransactionHash)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("authorization_id", auth.ID).
				Str("tx_hash", auth.TransactionHash).
				Msg("failed to refresh transaction status")
		} else {
			result.ChainStatus = chainStatus
			s.logger.Debug().
				Str("authorization_id", auth.ID).
				Str("chain_status", chainStatus).
				Msg("transaction status refreshed")
		}
	}

	return result, nil
}

// Cancel withdraws a pending authorization. Only the owner may cancel and
// only before a signature has been submitted.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Authorization, error) {
	if userID == "" {
		return nil, NewPaymentError(ErrCodeUnauthorized, "user is required to cancel", nil)
	}
	auth, err := s.loadAuthorization(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if auth.Status != StatusPending {
		return nil, invalidStateError(auth.ID, auth.Status, "cancel")
	}

	update := StatusUpdate{Status: StatusFailed, FailureReason: CancelReason}
	if err := s.transition(ctx, auth, StatusPending, update, "cancel"); err != nil {
		return nil, err
	}

	s.logger.Info().Str("authorization_id", auth.ID).Str("user_id", userID).Msg("authorization cancelled")
	s.emit(ctx, EventAuthorizationFailed, auth, nil)
	return auth, nil
}

// SweepResult counts the rows touched by ExpireStale
type SweepResult struct {
	Expired  int `json:"expired"`
	Released int `json:"released"`
}

// ExpireStale moves lapsed pending and submitted authorizations to expired
// and hands executing rows older than the lease back to submitted so they
// can be settled again.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (*SweepResult, error) {
	result := &SweepResult{}

	for {
		batch, err := s.store.ListExpirable(ctx, now, sweepBatchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list expirable authorizations: %w", err)
		}
		moved := 0
		for _, auth := range batch {
			if err := s.transition(ctx, auth, auth.Status, StatusUpdate{Status: StatusExpired}, "expire"); err != nil {
				if !errors.Is(err, ErrInvalidState) {
					return result, err
				}
				continue
			}
			moved++
			s.emit(ctx, EventAuthorizationExpired, auth, nil)
		}
		result.Expired += moved
		if len(batch) < sweepBatchSize || moved == 0 {
			break
		}
	}

	cutoff := now.Add(-s.executingLease)
	for {
		batch, err := s.store.ListStaleExecuting(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list stale executing authorizations: %w", err)
		}
		moved := 0
		for _, auth := range batch {
			if err := s.transition(ctx, auth, StatusExecuting, StatusUpdate{Status: StatusSubmitted}, "release"); err != nil {
				if !errors.Is(err, ErrInvalidState) {
					return result, err
				}
				continue
			}
			moved++
			s.logger.Warn().
				Str("authorization_id", auth.ID).
				Dur("lease", s.executingLease).
				Msg("released stale executing authorization")
		}
		result.Released += moved
		if len(batch) < sweepBatchSize || moved == 0 {
			break
		}
	}

	if result.Expired > 0 {
		s.metrics.RecordExpired(result.Expired)
	}
	if result.Expired > 0 || result.Released > 0 {
		s.logger.Info().
			Int("expired", result.Expired).
			Int("released", result.Released).
			Msg("sweep finished")
	}
	return result, nil
}
