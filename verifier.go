package x402

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/protocolbanks/x402/mechanisms/evm"
)

// SubmitRequest carries a wallet signature over a pending authorization.
// Domain and Message are optional echoes of what the wallet signed; when
// present they must match the stored authorization.
type SubmitRequest struct {
	AuthorizationID string                     `json:"authorizationId"`
	UserID          string                     `json:"-"`
	Domain          *evm.TypedDataDomain       `json:"domain,omitempty"`
	Message         *evm.TransferAuthorization `json:"message,omitempty"`
	Signature       string                     `json:"signature"`
}

// SubmitSignature verifies a signature and moves the authorization from
// pending to submitted.
func (s *Service) SubmitSignature(ctx context.Context, req SubmitRequest) (*Authorization, error) {
	auth, err := s.loadAuthorization(ctx, req.AuthorizationID, req.UserID)
	if err != nil {
		return nil, err
	}
	if auth.Status != StatusPending {
		s.metrics.RecordSignatureVerification("invalid_state")
		return nil, invalidStateError(auth.ID, auth.Status, "submit signature for")
	}
	if err := s.checkWindow(ctx, auth); err != nil {
		s.metrics.RecordSignatureVerification("expired")
		return nil, err
	}

	if err := s.verifyAndSubmit(ctx, auth, req.Domain, req.Message, req.Signature); err != nil {
		return nil, err
	}
	return auth, nil
}

// verifyAndSubmit checks nonce and signature for a pending authorization,
// then consumes the nonce and persists the signature in one store call.
// auth is updated in place.
func (s *Service) verifyAndSubmit(
	ctx context.Context,
	auth *Authorization,
	domain *evm.TypedDataDomain,
	message *evm.TransferAuthorization,
	signature string,
) error {
	used, err := s.store.IsNonceUsed(ctx, auth.FromAddress, auth.TokenAddress, auth.ChainID, auth.Nonce)
	if err != nil {
		return fmt.Errorf("failed to check nonce: %w", err)
	}
	if used {
		s.metrics.RecordSignatureVerification("nonce_reused")
		s.securityEvent("nonce_reuse", auth, "nonce already consumed")
		return NewPaymentError(ErrCodeNonceReused, "nonce has already been used", nil)
	}

	canonicalDomain, err := auth.Domain()
	if err != nil {
		return fmt.Errorf("failed to rebuild domain: %w", err)
	}
	canonicalMessage, err := auth.Message()
	if err != nil {
		return fmt.Errorf("failed to rebuild message: %w", err)
	}
	if domain != nil && !domain.Equal(canonicalDomain) {
		s.metrics.RecordSignatureVerification("mismatch")
		return validationError("domain does not match authorization")
	}
	if message != nil && !message.Equal(canonicalMessage) {
		s.metrics.RecordSignatureVerification("mismatch")
		return validationError("message does not match authorization")
	}

	sig, err := decodeSignature(signature)
	if err != nil {
		s.metrics.RecordSignatureVerification("invalid_signature")
		return err
	}
	signer, err := evm.RecoverSigner(canonicalDomain, canonicalMessage, sig)
	if err != nil {
		s.metrics.RecordSignatureVerification("invalid_signature")
		return WrapPaymentError(ErrCodeInvalidSignature, "signature could not be recovered", err)
	}
	if !sameAddress(signer.Hex(), auth.FromAddress) {
		s.metrics.RecordSignatureVerification("invalid_signature")
		s.securityEvent("signature_mismatch", auth, "recovered signer does not match from address")
		return NewPaymentError(ErrCodeInvalidSignature, "signature was not produced by the from address", nil)
	}

	update := StatusUpdate{
		Status:    StatusSubmitted,
		Signature: strings.ToLower(signature),
	}
	if err := s.store.SubmitAuthorization(ctx, auth.ID, update); err != nil {
		switch {
		case errors.Is(err, ErrNonceAlreadyUsed):
			s.metrics.RecordSignatureVerification("nonce_reused")
			s.securityEvent("nonce_reuse", auth, "concurrent nonce consumption")
			return NewPaymentError(ErrCodeNonceReused, "nonce has already been used", nil)
		case errors.Is(err, ErrStatusConflict):
			return s.conflictError(ctx, auth.ID, StatusPending, "submit signature for")
		default:
			return fmt.Errorf("failed to submit authorization %s: %w", auth.ID, err)
		}
	}
	s.applyUpdate(auth, update)

	s.metrics.RecordSignatureVerification("success")
	s.logger.Info().
		Str("authorization_id", auth.ID).
		Str("signer", signer.Hex()).
		Msg("signature verified")
	s.emit(ctx, EventAuthorizationSubmitted, auth, nil)
	return nil
}
