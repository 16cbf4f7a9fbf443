package x402_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/protocolbanks/x402"
	"github.com/protocolbanks/x402/mechanisms/evm"
)

func TestGenerateAuthorization(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	res := h.generate(t, evm.ChainIDBase, strings.ToLower(baseUSDC), "100", 5)
	auth := res.Authorization

	assert.True(t, strings.HasPrefix(auth.ID, x402.AuthorizationIDPrefix))
	assert.Equal(t, x402.StatusPending, auth.Status)
	assert.Equal(t, baseUSDC, auth.TokenAddress)
	assert.Equal(t, h.payer.address, auth.FromAddress)
	assert.Equal(t, "100", auth.Amount)
	assert.Len(t, auth.Nonce, 66)

	assert.Equal(t, now.Add(-x402.ClockSkewBuffer).Truncate(time.Second), auth.ValidAfter)
	assert.Equal(t, now.Add(5*time.Minute).Truncate(time.Second), auth.ValidBefore)

	assert.Equal(t, "USD Coin", res.Domain.Name)
	assert.Equal(t, "2", res.Domain.Version)
	assert.Equal(t, evm.PrimaryTypeTransferWithAuthorization, res.PrimaryType)
	assert.Contains(t, res.Types, "EIP712Domain")
	assert.Contains(t, res.Types, evm.PrimaryTypeTransferWithAuthorization)

	assert.Equal(t, "100", res.Message.Value)
	assert.Equal(t, auth.Nonce, res.Message.Nonce)

	stored, err := h.store.GetAuthorization(context.Background(), auth.ID)
	require.NoError(t, err)
	assert.Equal(t, x402.StatusPending, stored.Status)
}

func TestGenerateAuthorizationUniqueNonces(t *testing.T) {
	h := newHarness(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "1", 1)
		assert.False(t, seen[res.Authorization.Nonce], "nonce repeated")
		seen[res.Authorization.Nonce] = true
	}
}

func TestGenerateAuthorizationValidation(t *testing.T) {
	h := newHarness(t)

	valid := x402.GenerateRequest{
		UserID:          testUser,
		TokenAddress:    baseUSDC,
		ChainID:         evm.ChainIDBase,
		From:            h.payer.address,
		To:              payee,
		Amount:          "100",
		ValidityMinutes: 5,
	}

	tests := []struct {
		name   string
		mutate func(r *x402.GenerateRequest)
	}{
		{"zero amount", func(r *x402.GenerateRequest) { r.Amount = "0" }},
		{"negative amount", func(r *x402.GenerateRequest) { r.Amount = "-5" }},
		{"decimal amount", func(r *x402.GenerateRequest) { r.Amount = "1.5" }},
		{"zero validity", func(r *x402.GenerateRequest) { r.ValidityMinutes = 0 }},
		{"validity over 24h", func(r *x402.GenerateRequest) { r.ValidityMinutes = x402.MaxValidityMinutes + 1 }},
		{"bad to", func(r *x402.GenerateRequest) { r.To = "0x1234" }},
		{"missing prefix", func(r *x402.GenerateRequest) { r.From = strings.TrimPrefix(h.payer.address, "0x") }},
		{"zero from", func(r *x402.GenerateRequest) { r.From = "0x0000000000000000000000000000000000000000" }},
		{"unknown token", func(r *x402.GenerateRequest) { r.TokenAddress = payee }},
		{"unknown chain", func(r *x402.GenerateRequest) { r.ChainID = 999 }},
		{"missing user", func(r *x402.GenerateRequest) { r.UserID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.svc.GenerateAuthorization(context.Background(), req)
			assert.ErrorIs(t, err, x402.ErrValidation)
		})
	}

	t.Run("max validity accepted", func(t *testing.T) {
		req := valid
		req.ValidityMinutes = x402.MaxValidityMinutes
		_, err := h.svc.GenerateAuthorization(context.Background(), req)
		assert.NoError(t, err)
	})
}

func TestGenerateAuthorizationEmitsEvent(t *testing.T) {
	var events []x402.EventType
	h := newHarness(t, x402.WithLifecycleHook(func(ev x402.LifecycleEvent) error {
		events = append(events, ev.Type)
		return nil
	}))

	h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)
	assert.Equal(t, []x402.EventType{x402.EventAuthorizationCreated}, events)
}
