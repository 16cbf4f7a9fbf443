package x402_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/protocolbanks/x402"
	"github.com/protocolbanks/x402/internal/store/memory"
	"github.com/protocolbanks/x402/mechanisms/evm"
)

func TestSubmitSignature(t *testing.T) {
	ctx := context.Background()

	t.Run("valid signature moves to submitted", func(t *testing.T) {
		h := newHarness(t)
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)
		sig := h.payer.sign(t, res.Domain, res.Message)

		auth, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          testUser,
			Domain:          &res.Domain,
			Message:         &res.Message,
			Signature:       sig,
		})
		require.NoError(t, err)
		assert.Equal(t, x402.StatusSubmitted, auth.Status)
		assert.Equal(t, strings.ToLower(sig), auth.Signature)
		assert.Equal(t, x402.StatusSubmitted, h.status(t, res.Authorization.ID))

		used, err := h.store.IsNonceUsed(ctx, h.payer.address, baseUSDC, evm.ChainIDBase, res.Authorization.Nonce)
		require.NoError(t, err)
		assert.True(t, used)
	})

	t.Run("wrong key is rejected and status unchanged", func(t *testing.T) {
		h := newHarness(t)
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)
		other := newWallet(t)

		_, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          testUser,
			Signature:       other.sign(t, res.Domain, res.Message),
		})
		assert.ErrorIs(t, err, x402.ErrInvalidSignature)
		assert.Equal(t, x402.StatusPending, h.status(t, res.Authorization.ID))
	})

	t.Run("lapsed window expires the authorization", func(t *testing.T) {
		h := newHarness(t)
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 1)
		h.clock.Advance(2 * time.Minute)

		_, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          testUser,
			Signature:       h.payer.sign(t, res.Domain, res.Message),
		})
		assert.ErrorIs(t, err, x402.ErrExpired)
		assert.Equal(t, x402.StatusExpired, h.status(t, res.Authorization.ID))
	})

	t.Run("second submission is invalid state", func(t *testing.T) {
		h := newHarness(t)
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)
		req := x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          testUser,
			Signature:       h.payer.sign(t, res.Domain, res.Message),
		}
		_, err := h.svc.SubmitSignature(ctx, req)
		require.NoError(t, err)

		_, err = h.svc.SubmitSignature(ctx, req)
		assert.ErrorIs(t, err, x402.ErrInvalidState)
	})

	t.Run("other user is unauthorized", func(t *testing.T) {
		h := newHarness(t)
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)

		_, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          "someone-else",
			Signature:       h.payer.sign(t, res.Domain, res.Message),
		})
		assert.ErrorIs(t, err, x402.ErrUnauthorized)
		assert.Equal(t, x402.StatusPending, h.status(t, res.Authorization.ID))
	})

	t.Run("unknown id", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{AuthorizationID: "x402_missing", Signature: "0x00"})
		assert.ErrorIs(t, err, x402.ErrNotFound)
	})

	t.Run("tampered message", func(t *testing.T) {
		h := newHarness(t)
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)
		tampered := res.Message
		tampered.Value = "1000000"

		_, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          testUser,
			Message:         &tampered,
			Signature:       h.payer.sign(t, res.Domain, tampered),
		})
		assert.ErrorIs(t, err, x402.ErrValidation)
	})

	t.Run("malformed signature", func(t *testing.T) {
		h := newHarness(t)
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)

		for _, sig := range []string{"", "deadbeef", "0x1234", "0xzz"} {
			_, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{
				AuthorizationID: res.Authorization.ID,
				UserID:          testUser,
				Signature:       sig,
			})
			assert.ErrorIs(t, err, x402.ErrInvalidSignature, sig)
		}
	})

	t.Run("consumed nonce is rejected", func(t *testing.T) {
		h := newHarness(t)
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)
		require.NoError(t, h.store.MarkNonceUsed(ctx, h.payer.address, baseUSDC, evm.ChainIDBase, res.Authorization.Nonce))

		_, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          testUser,
			Signature:       h.payer.sign(t, res.Domain, res.Message),
		})
		assert.ErrorIs(t, err, x402.ErrNonceReused)
		assert.Equal(t, x402.StatusPending, h.status(t, res.Authorization.ID))
	})
}

func TestSubmitSignatureConcurrent(t *testing.T) {
	h := newHarness(t)
	res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)
	req := x402.SubmitRequest{
		AuthorizationID: res.Authorization.ID,
		UserID:          testUser,
		Signature:       h.payer.sign(t, res.Domain, res.Message),
	}

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitSignature(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range failures {
		assert.True(t, errors.Is(err, x402.ErrNonceReused) || errors.Is(err, x402.ErrInvalidState),
			"unexpected error %v", err)
	}
	assert.Equal(t, x402.StatusSubmitted, h.status(t, res.Authorization.ID))
}

// flakyStore fails the first n submits before they reach the backing store.
type flakyStore struct {
	*memory.Store

	mu       sync.Mutex
	failures int
}

func (f *flakyStore) SubmitAuthorization(ctx context.Context, id string, update x402.StatusUpdate) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("db connection reset")
	}
	f.mu.Unlock()
	return f.Store.SubmitAuthorization(ctx, id, update)
}

func TestSubmitSignatureStoreFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarnessOver(t, func(m *memory.Store) x402.Store {
		return &flakyStore{Store: m, failures: 1}
	})
	res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)
	req := x402.SubmitRequest{
		AuthorizationID: res.Authorization.ID,
		UserID:          testUser,
		Signature:       h.payer.sign(t, res.Domain, res.Message),
	}

	_, err := h.svc.SubmitSignature(ctx, req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, x402.ErrNonceReused)
	assert.Contains(t, err.Error(), "db connection reset")
	assert.Equal(t, x402.StatusPending, h.status(t, res.Authorization.ID))

	used, err := h.store.IsNonceUsed(ctx, h.payer.address, baseUSDC, evm.ChainIDBase, res.Authorization.Nonce)
	require.NoError(t, err)
	assert.False(t, used)

	auth, err := h.svc.SubmitSignature(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, x402.StatusSubmitted, auth.Status)
}
