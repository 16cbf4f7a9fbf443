package x402

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateFee(t *testing.T) {
	tests := []struct {
		amount int64
		bps    int
		want   int64
	}{
		{100, 10, 1},
		{1_000_000, 10, 1000},
		{1_000_001, 10, 1001},
		{9_999, 10, 10},
		{1, 10, 1},
		{1_000, 0, 0},
		{0, 10, 0},
		{10_000, 10_000, 10_000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%d", tt.amount, tt.bps), func(t *testing.T) {
			got := CalculateFee(big.NewInt(tt.amount), tt.bps)
			assert.Equal(t, tt.want, got.Int64())
		})
	}

	assert.Equal(t, int64(0), CalculateFee(nil, 10).Int64())
}

func TestFeeForMethod(t *testing.T) {
	route := RouteConfig{FeeBps: 25}
	amount := big.NewInt(1_000_000)

	assert.Equal(t, "0", feeForMethod(MethodCDP, amount, route).String())
	assert.Equal(t, "2500", feeForMethod(MethodRelayer, amount, route).String())
}

func TestValidityWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	after, before := validityWindow(now, 5)

	assert.Equal(t, time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC), after)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), before)

	assert.True(t, IsWithinValidityWindow(after, before, now))
	assert.True(t, IsWithinValidityWindow(after, before, after))
	assert.False(t, IsWithinValidityWindow(after, before, before))
	assert.False(t, IsWithinValidityWindow(after, before, after.Add(-time.Second)))
}

func TestPaymentError(t *testing.T) {
	t.Run("matches by code", func(t *testing.T) {
		err := NewPaymentError(ErrCodeExpired, "gone", nil)
		assert.ErrorIs(t, err, ErrExpired)
		assert.NotErrorIs(t, err, ErrNotFound)

		wrapped := fmt.Errorf("settle: %w", err)
		assert.ErrorIs(t, wrapped, ErrExpired)
	})

	t.Run("keeps cause", func(t *testing.T) {
		cause := errors.New("dial tcp: timeout")
		err := WrapPaymentError(ErrCodeUpstreamFailure, "facilitator failed", cause)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrUpstreamFailure)
		assert.Equal(t, "upstream_failure: facilitator failed", err.Error())
	})

	t.Run("status codes", func(t *testing.T) {
		cases := map[string]int{
			ErrCodeValidation:       http.StatusBadRequest,
			ErrCodeNotFound:         http.StatusNotFound,
			ErrCodeUnauthorized:     http.StatusUnauthorized,
			ErrCodeInvalidState:     http.StatusConflict,
			ErrCodeExpired:          http.StatusBadRequest,
			ErrCodeNonceReused:      http.StatusBadRequest,
			ErrCodeInvalidSignature: http.StatusBadRequest,
			ErrCodeUnsupportedRoute: http.StatusBadRequest,
			ErrCodeUpstreamFailure:  http.StatusBadGateway,
		}
		for code, want := range cases {
			assert.Equal(t, want, NewPaymentError(code, "", nil).StatusCode(), code)
		}
	})
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusSettled, StatusExpired, StatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusPending, StatusSubmitted, StatusExecuting} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestBuildPaymentPayload(t *testing.T) {
	tr := &Transfer{
		ChainID:   8453,
		Token:     "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		Signature: "0xsig",
	}
	tr.Domain.Name = "USD Coin"
	tr.Domain.Version = "2"
	tr.Message.From = "0x1111111111111111111111111111111111111111"
	tr.Message.To = "0x2222222222222222222222222222222222222222"
	tr.Message.Value = "100"
	tr.Message.ValidBefore = fmt.Sprint(time.Now().Add(time.Minute).Unix())

	payload, req := BuildPaymentPayload(tr)
	assert.Equal(t, "exact", req.Scheme)
	assert.Equal(t, Network("eip155:8453"), req.Network)
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", req.Asset)
	assert.Equal(t, "USD Coin", req.Extra["name"])
	assert.Greater(t, req.MaxTimeoutSeconds, 0)
	assert.Equal(t, 2, payload.X402Version)
	assert.Equal(t, "0xsig", payload.Payload["signature"])
	assert.Equal(t, req, payload.Accepted)
}
