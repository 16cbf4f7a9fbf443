package x402

import (
	"context"
	"fmt"

	"github.com/protocolbanks/x402/mechanisms/evm"
)

const nonceAttempts = 3

// GenerateRequest asks for a new pending authorization
type GenerateRequest struct {
	UserID          string `json:"userId"`
	TokenAddress    string `json:"tokenAddress"`
	ChainID         int64  `json:"chainId"`
	From            string `json:"from"`
	To              string `json:"to"`
	Amount          string `json:"amount"`
	ValidityMinutes int    `json:"validityDuration"`
}

// GenerateResult carries everything a wallet needs to sign
type GenerateResult struct {
	Authorization *Authorization                  `json:"authorization"`
	Domain        evm.TypedDataDomain             `json:"domain"`
	Message       evm.TransferAuthorization       `json:"message"`
	Types         map[string][]evm.TypedDataField `json:"types"`
	PrimaryType   string                          `json:"primaryType"`
}

func (r GenerateRequest) validate() error {
	if r.UserID == "" {
		return validationError("userId is required")
	}
	if r.ValidityMinutes <= 0 {
		return validationError("validityDuration must be greater than zero")
	}
	if r.ValidityMinutes > MaxValidityMinutes {
		return validationError("validityDuration must not exceed %d minutes", MaxValidityMinutes)
	}
	for name, addr := range map[string]string{"tokenAddress": r.TokenAddress, "from": r.From, "to": r.To} {
		if !evm.IsValidAddress(addr) {
			return validationError("%s is not a valid address", name)
		}
	}
	if zeroAddress(r.From) || zeroAddress(r.To) {
		return validationError("zero address is not allowed")
	}
	return nil
}

// GenerateAuthorization creates a pending authorization with a fresh nonce
// and returns the typed data to sign.
func (s *Service) GenerateAuthorization(ctx context.Context, req GenerateRequest) (result *GenerateResult, err error) {
	defer func() {
		s.metrics.RecordAuthorizationCreated(err == nil)
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	domain, err := evm.BuildDomain(req.ChainID, req.TokenAddress)
	if err != nil {
		return nil, validationError("unsupported token %s on chain %d", req.TokenAddress, req.ChainID)
	}

	nonce, err := s.freshNonce(ctx, req.From, domain.VerifyingContract, req.ChainID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	validAfter, validBefore := validityWindow(now, req.ValidityMinutes)

	auth := &Authorization{
		ID:           GenerateAuthorizationID(),
		UserID:       req.UserID,
		FromAddress:  evm.NormalizeAddress(req.From),
		ToAddress:    evm.NormalizeAddress(req.To),
		TokenAddress: domain.VerifyingContract,
		ChainID:      req.ChainID,
		Amount:       amount.String(),
		Nonce:        nonce,
		ValidAfter:   validAfter,
		ValidBefore:  validBefore,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	message, err := auth.Message()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	if err := s.store.CreateAuthorization(ctx, auth); err != nil {
		return nil, fmt.Errorf("failed to create authorization: %w", err)
	}

	s.logger.Info().
		Str("authorization_id", auth.ID).
		Str("user_id", auth.UserID).
		Int64("chain_id", auth.ChainID).
		Str("amount", auth.Amount).
		Time("valid_before", auth.ValidBefore).
		Msg("authorization created")
	s.emit(ctx, EventAuthorizationCreated, auth, nil)

	return &GenerateResult{
		Authorization: auth,
		Domain:        domain,
		Message:       message,
		Types:         evm.TransferWithAuthorizationTypes(),
		PrimaryType:   evm.PrimaryTypeTransferWithAuthorization,
	}, nil
}

// freshNonce draws random nonces until one is unused for the payer.
func (s *Service) freshNonce(ctx context.Context, payer, token string, chainID int64) (string, error) {
	for i := 0; i < nonceAttempts; i++ {
		nonce, err := GenerateNonce()
		if err != nil {
			return "", err
		}
		used, err := s.store.IsNonceUsed(ctx, payer, token, chainID, nonce)
		if err != nil {
			return "", fmt.Errorf("failed to check nonce: %w", err)
		}
		if !used {
			return nonce, nil
		}
	}
	return "", fmt.Errorf("failed to generate unused nonce after %d attempts", nonceAttempts)
}
