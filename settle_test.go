package x402_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/protocolbanks/x402"
	"github.com/protocolbanks/x402/mechanisms/evm"
)

const (
	facilitatorTx = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	relayerTx     = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestSettleViaFacilitator(t *testing.T) {
	ctx := context.Background()
	fac := &fakeFacilitator{tx: facilitatorTx}
	rel := &fakeRelayer{tx: relayerTx}
	h := newHarness(t, x402.WithFacilitator(fac), x402.WithRelayer(rel))

	id := h.submitted(t, evm.ChainIDBase, baseUSDC, "100")

	res, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, facilitatorTx, res.TransactionHash)
	assert.Equal(t, x402.MethodCDP, res.Method)
	assert.Equal(t, "0", res.Fee)
	assert.Equal(t, "100", res.NetAmount)
	assert.Equal(t, x402.StatusSettled, res.Status)
	assert.Equal(t, "eip155:8453", res.Network)

	auth, err := h.store.GetAuthorization(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, x402.StatusSettled, auth.Status)
	assert.Equal(t, facilitatorTx, auth.TransactionHash)
	assert.Equal(t, x402.MethodCDP, auth.SettlementMethod)

	assert.Equal(t, 1, fac.Calls())
	assert.Equal(t, 0, rel.Calls())
	require.Len(t, h.store.Settlements(), 1)
	assert.Equal(t, id, h.store.Settlements()[0].AuthorizationID)

	t.Run("repeat settle is idempotent", func(t *testing.T) {
		again, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
		require.NoError(t, err)
		assert.Equal(t, facilitatorTx, again.TransactionHash)
		assert.Equal(t, 1, fac.Calls())
	})

	t.Run("repeat settle after cache expiry reads the stored result", func(t *testing.T) {
		fresh := x402.NewService(h.store, x402.WithFacilitator(fac), x402.WithClock(h.clock.Now))
		again, err := fresh.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
		require.NoError(t, err)
		assert.Equal(t, facilitatorTx, again.TransactionHash)
		assert.Equal(t, x402.StatusSettled, again.Status)
		assert.Equal(t, 1, fac.Calls())
	})
}

func TestSettleFallsBackToRelayer(t *testing.T) {
	ctx := context.Background()
	fac := &fakeFacilitator{err: errProviderDown}
	rel := &fakeRelayer{tx: relayerTx}

	var failures []x402.SettleFailureContext
	h := newHarness(t,
		x402.WithFacilitator(fac),
		x402.WithRelayer(rel),
		x402.OnSettleFailure(func(fc x402.SettleFailureContext) error {
			failures = append(failures, fc)
			return nil
		}),
	)

	id := h.submitted(t, evm.ChainIDBase, baseUSDC, "100")
	res, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	require.NoError(t, err)

	assert.Equal(t, relayerTx, res.TransactionHash)
	assert.Equal(t, x402.MethodRelayer, res.Method)
	assert.Equal(t, x402.StatusCompleted, res.Status)
	// ceil(100 * 10 / 10000)
	assert.Equal(t, "1", res.Fee)
	assert.Equal(t, "99", res.NetAmount)

	require.Len(t, failures, 1)
	assert.Equal(t, x402.MethodCDP, failures[0].Method)
	assert.True(t, failures[0].FallingBack)

	require.Len(t, rel.requests, 1)
	assert.Equal(t, id, rel.requests[0].Reference)
	assert.Equal(t, x402.StatusCompleted, h.status(t, id))
}

func TestSettleRelayerOnlyChain(t *testing.T) {
	fac := &fakeFacilitator{tx: facilitatorTx}
	rel := &fakeRelayer{tx: relayerTx}
	h := newHarness(t, x402.WithFacilitator(fac), x402.WithRelayer(rel))

	id := h.submitted(t, evm.ChainIDEthereum, mainnetUSDC, "1000000")
	res, err := h.svc.Settle(context.Background(), x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	require.NoError(t, err)

	assert.Equal(t, x402.MethodRelayer, res.Method)
	assert.Equal(t, "1000", res.Fee)
	assert.Equal(t, 0, fac.Calls())
}

func TestSettleUsesStoredRoute(t *testing.T) {
	ctx := context.Background()
	fac := &fakeFacilitator{tx: facilitatorTx}
	rel := &fakeRelayer{tx: relayerTx}
	h := newHarness(t, x402.WithFacilitator(fac), x402.WithRelayer(rel))

	require.NoError(t, h.store.UpsertRouteConfig(ctx, &x402.RouteConfig{
		ChainID:        evm.ChainIDBase,
		TokenAddress:   baseUSDC,
		RelayerEnabled: true,
		FeeBps:         50,
	}))

	id := h.submitted(t, evm.ChainIDBase, baseUSDC, "1000")
	res, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, x402.MethodRelayer, res.Method)
	assert.Equal(t, "5", res.Fee)
	assert.Equal(t, 0, fac.Calls())
}

func TestRouteChangeNeedsInvalidation(t *testing.T) {
	ctx := context.Background()
	fac := &fakeFacilitator{tx: facilitatorTx}
	rel := &fakeRelayer{tx: relayerTx}
	h := newHarness(t, x402.WithFacilitator(fac), x402.WithRelayer(rel))

	first := h.submitted(t, evm.ChainIDBase, baseUSDC, "1000")
	res, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: first, UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, x402.MethodCDP, res.Method)

	require.NoError(t, h.store.UpsertRouteConfig(ctx, &x402.RouteConfig{
		ChainID:        evm.ChainIDBase,
		TokenAddress:   baseUSDC,
		RelayerEnabled: true,
		FeeBps:         10,
	}))

	// the default route is still cached
	second := h.submitted(t, evm.ChainIDBase, baseUSDC, "1000")
	res, err = h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: second, UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, x402.MethodCDP, res.Method)

	require.NoError(t, h.svc.InvalidateRoute(ctx, evm.ChainIDBase, baseUSDC))

	third := h.submitted(t, evm.ChainIDBase, baseUSDC, "1000")
	res, err = h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: third, UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, x402.MethodRelayer, res.Method)
	assert.Equal(t, "1", res.Fee)
	assert.Equal(t, 2, fac.Calls())
}

func TestSettleUpstreamFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	fac := &fakeFacilitator{err: errProviderDown}
	rel := &fakeRelayer{err: errProviderDown}
	h := newHarness(t, x402.WithFacilitator(fac), x402.WithRelayer(rel))

	id := h.submitted(t, evm.ChainIDBase, baseUSDC, "100")
	_, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	assert.ErrorIs(t, err, x402.ErrUpstreamFailure)
	assert.ErrorIs(t, err, errProviderDown)
	assert.Equal(t, x402.StatusSubmitted, h.status(t, id))

	rel.setErr(nil)
	rel.tx = relayerTx
	res, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, relayerTx, res.TransactionHash)
	assert.Equal(t, x402.StatusCompleted, h.status(t, id))
}

func TestSettleTimeoutReleasesExecution(t *testing.T) {
	fac := &fakeFacilitator{tx: facilitatorTx, delay: time.Second}
	h := newHarness(t, x402.WithFacilitator(fac), x402.WithSettleTimeout(20*time.Millisecond))

	id := h.submitted(t, evm.ChainIDBase, baseUSDC, "100")
	_, err := h.svc.Settle(context.Background(), x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	assert.ErrorIs(t, err, x402.ErrUpstreamFailure)
	assert.Equal(t, x402.StatusSubmitted, h.status(t, id))
}

func TestSettleRevertMarksFailed(t *testing.T) {
	ctx := context.Background()
	rel := &fakeRelayer{err: fmt.Errorf("tx 0xdead: %w", x402.ErrTransactionReverted)}
	h := newHarness(t, x402.WithRelayer(rel))

	id := h.submitted(t, evm.ChainIDEthereum, mainnetUSDC, "100")
	_, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	assert.ErrorIs(t, err, x402.ErrUpstreamFailure)
	assert.ErrorIs(t, err, x402.ErrTransactionReverted)

	auth, err := h.store.GetAuthorization(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, x402.StatusFailed, auth.Status)
	assert.Contains(t, auth.FailureReason, "reverted")

	_, err = h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	assert.ErrorIs(t, err, x402.ErrInvalidState)
}

func TestSettleStatusGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("pending is invalid state", func(t *testing.T) {
		h := newHarness(t, x402.WithRelayer(&fakeRelayer{tx: relayerTx}))
		res := h.generate(t, evm.ChainIDBase, baseUSDC, "100", 5)
		_, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: res.Authorization.ID, UserID: testUser})
		assert.ErrorIs(t, err, x402.ErrInvalidState)
		assert.Equal(t, x402.StatusPending, h.status(t, res.Authorization.ID))
	})

	t.Run("lapsed submitted expires", func(t *testing.T) {
		h := newHarness(t, x402.WithRelayer(&fakeRelayer{tx: relayerTx}))
		id := h.submitted(t, evm.ChainIDBase, baseUSDC, "100")
		h.clock.Advance(10 * time.Minute)

		_, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
		assert.ErrorIs(t, err, x402.ErrExpired)
		assert.Equal(t, x402.StatusExpired, h.status(t, id))

		res, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, x402.StatusExpired, res.Status)
	})

	t.Run("no provider is unsupported route", func(t *testing.T) {
		h := newHarness(t)
		id := h.submitted(t, evm.ChainIDEthereum, mainnetUSDC, "100")
		_, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
		assert.ErrorIs(t, err, x402.ErrUnsupportedRoute)
		assert.Equal(t, x402.StatusSubmitted, h.status(t, id))
	})

	t.Run("other user", func(t *testing.T) {
		h := newHarness(t, x402.WithRelayer(&fakeRelayer{tx: relayerTx}))
		id := h.submitted(t, evm.ChainIDBase, baseUSDC, "100")
		_, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: "intruder"})
		assert.ErrorIs(t, err, x402.ErrUnauthorized)
	})

	t.Run("empty request", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Settle(ctx, x402.SettleRequest{})
		assert.ErrorIs(t, err, x402.ErrValidation)
	})

	t.Run("before hook abort", func(t *testing.T) {
		rel := &fakeRelayer{tx: relayerTx}
		h := newHarness(t,
			x402.WithRelayer(rel),
			x402.OnBeforeSettle(func(sc x402.SettleContext) (*x402.BeforeHookResult, error) {
				return &x402.BeforeHookResult{Abort: true, Reason: "blocked payee"}, nil
			}),
		)
		id := h.submitted(t, evm.ChainIDBase, baseUSDC, "100")
		_, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: id, UserID: testUser})
		assert.ErrorIs(t, err, x402.ErrUnsupportedRoute)
		assert.Equal(t, 0, rel.Calls())
		assert.Equal(t, x402.StatusSubmitted, h.status(t, id))
	})
}

func TestSettleConcurrentSingleExecution(t *testing.T) {
	fac := &fakeFacilitator{tx: facilitatorTx, delay: 20 * time.Millisecond}
	h := newHarness(t, x402.WithFacilitator(fac))
	id := h.submitted(t, evm.ChainIDBase, baseUSDC, "100")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Settle(context.Background(), x402.SettleRequest{AuthorizationID: id, UserID: testUser})
			if assert.NoError(t, err) {
				assert.Equal(t, facilitatorTx, res.TransactionHash)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fac.Calls())
}

func TestSettleLifecycleEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []x402.EventType
	)
	h := newHarness(t,
		x402.WithFacilitator(&fakeFacilitator{tx: facilitatorTx}),
		x402.WithLifecycleHook(func(ev x402.LifecycleEvent) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev.Type)
			return nil
		}),
	)

	id := h.submitted(t, evm.ChainIDBase, baseUSDC, "100")
	_, err := h.svc.Settle(context.Background(), x402.SettleRequest{AuthorizationID: id, UserID: testUser})
	require.NoError(t, err)

	assert.Equal(t, []x402.EventType{
		x402.EventAuthorizationCreated,
		x402.EventAuthorizationSubmitted,
		x402.EventAuthorizationSettled,
	}, events)
}

func TestSettleDirect(t *testing.T) {
	ctx := context.Background()

	t.Run("settles and is idempotent", func(t *testing.T) {
		fac := &fakeFacilitator{tx: facilitatorTx}
		h := newHarness(t, x402.WithFacilitator(fac))
		bundle := h.direct(t, evm.ChainIDBase, baseUSDC, 250)

		res, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, facilitatorTx, res.TransactionHash)
		assert.Equal(t, x402.MethodCDP, res.Method)
		assert.Empty(t, res.AuthorizationID)

		used, err := h.store.IsNonceUsed(ctx, bundle.From, bundle.Token, bundle.ChainID, bundle.Nonce)
		require.NoError(t, err)
		assert.True(t, used)

		// A new service has an empty coalescing cache, so this reads the settlement row
		fresh := x402.NewService(h.store, x402.WithFacilitator(fac), x402.WithClock(h.clock.Now))
		again, err := fresh.Settle(ctx, x402.SettleRequest{Direct: bundle})
		require.NoError(t, err)
		assert.Equal(t, facilitatorTx, again.TransactionHash)
		assert.Equal(t, 1, fac.Calls())
	})

	t.Run("relayer reference is the settlement key", func(t *testing.T) {
		rel := &fakeRelayer{tx: relayerTx}
		h := newHarness(t, x402.WithRelayer(rel))
		bundle := h.direct(t, evm.ChainIDEthereum, mainnetUSDC, 10000)

		res, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		require.NoError(t, err)
		assert.Equal(t, "10", res.Fee)
		assert.Equal(t, "9990", res.NetAmount)

		require.Len(t, rel.requests, 1)
		assert.Contains(t, rel.requests[0].Reference, strings.ToLower(bundle.Nonce))
	})

	t.Run("consumed nonce without settlement", func(t *testing.T) {
		h := newHarness(t, x402.WithRelayer(&fakeRelayer{tx: relayerTx}))
		bundle := h.direct(t, evm.ChainIDBase, baseUSDC, 250)
		require.NoError(t, h.store.MarkNonceUsed(ctx, bundle.From, bundle.Token, bundle.ChainID, bundle.Nonce))

		_, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		assert.ErrorIs(t, err, x402.ErrNonceReused)
	})

	t.Run("provider failure releases the nonce", func(t *testing.T) {
		rel := &fakeRelayer{tx: relayerTx, err: errProviderDown}
		h := newHarness(t, x402.WithRelayer(rel))
		bundle := h.direct(t, evm.ChainIDEthereum, mainnetUSDC, 250)

		_, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		assert.ErrorIs(t, err, x402.ErrUpstreamFailure)

		used, err := h.store.IsNonceUsed(ctx, bundle.From, bundle.Token, bundle.ChainID, bundle.Nonce)
		require.NoError(t, err)
		assert.False(t, used)

		rel.setErr(nil)
		res, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		require.NoError(t, err)
		assert.Equal(t, relayerTx, res.TransactionHash)
		assert.Equal(t, 2, rel.Calls())
	})

	t.Run("revert keeps the nonce claimed", func(t *testing.T) {
		rel := &fakeRelayer{err: fmt.Errorf("tx 0xdead: %w", x402.ErrTransactionReverted)}
		h := newHarness(t, x402.WithRelayer(rel))
		bundle := h.direct(t, evm.ChainIDEthereum, mainnetUSDC, 250)

		_, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		assert.ErrorIs(t, err, x402.ErrTransactionReverted)

		_, err = h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		assert.ErrorIs(t, err, x402.ErrNonceReused)
		assert.Equal(t, 1, rel.Calls())
	})

	t.Run("wrong signer", func(t *testing.T) {
		h := newHarness(t, x402.WithRelayer(&fakeRelayer{tx: relayerTx}))
		bundle := h.direct(t, evm.ChainIDBase, baseUSDC, 250)
		bundle.From = newWallet(t).address

		_, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		assert.ErrorIs(t, err, x402.ErrInvalidSignature)
	})

	t.Run("lapsed window", func(t *testing.T) {
		h := newHarness(t, x402.WithRelayer(&fakeRelayer{tx: relayerTx}))
		bundle := h.direct(t, evm.ChainIDBase, baseUSDC, 250)
		h.clock.Advance(time.Hour)

		_, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		assert.ErrorIs(t, err, x402.ErrExpired)
	})

	t.Run("unknown token", func(t *testing.T) {
		h := newHarness(t, x402.WithRelayer(&fakeRelayer{tx: relayerTx}))
		bundle := h.direct(t, evm.ChainIDBase, baseUSDC, 250)
		bundle.Token = payee

		_, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		assert.ErrorIs(t, err, x402.ErrUnsupportedRoute)
	})

	t.Run("no relayer on relayer-only chain", func(t *testing.T) {
		h := newHarness(t, x402.WithFacilitator(&fakeFacilitator{tx: facilitatorTx}))
		bundle := h.direct(t, evm.ChainIDEthereum, mainnetUSDC, 250)

		_, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: bundle})
		assert.ErrorIs(t, err, x402.ErrUnsupportedRoute)

		used, err := h.store.IsNonceUsed(ctx, bundle.From, bundle.Token, bundle.ChainID, bundle.Nonce)
		require.NoError(t, err)
		assert.False(t, used)
	})
}

func TestSignatureSettlesOnceAcrossPaths(t *testing.T) {
	ctx := context.Background()

	t.Run("submitted authorization cannot be replayed directly", func(t *testing.T) {
		rel := &fakeRelayer{tx: relayerTx}
		h := newHarness(t, x402.WithRelayer(rel))
		res := h.generate(t, evm.ChainIDEthereum, mainnetUSDC, "100", 5)
		sig := h.payer.sign(t, res.Domain, res.Message)

		_, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          testUser,
			Signature:       sig,
		})
		require.NoError(t, err)

		_, err = h.svc.Settle(ctx, x402.SettleRequest{Direct: directFrom(res.Authorization, sig)})
		assert.ErrorIs(t, err, x402.ErrNonceReused)

		settled, err := h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: res.Authorization.ID, UserID: testUser})
		require.NoError(t, err)
		assert.True(t, settled.Success)
		assert.Equal(t, x402.StatusCompleted, settled.Status)
		assert.Equal(t, 1, rel.Calls())
	})

	t.Run("settled authorization replayed directly returns the stored result", func(t *testing.T) {
		rel := &fakeRelayer{tx: relayerTx}
		h := newHarness(t, x402.WithRelayer(rel))
		res := h.generate(t, evm.ChainIDEthereum, mainnetUSDC, "100", 5)
		sig := h.payer.sign(t, res.Domain, res.Message)

		_, err := h.svc.SubmitSignature(ctx, x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          testUser,
			Signature:       sig,
		})
		require.NoError(t, err)
		_, err = h.svc.Settle(ctx, x402.SettleRequest{AuthorizationID: res.Authorization.ID, UserID: testUser})
		require.NoError(t, err)

		again, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: directFrom(res.Authorization, sig)})
		require.NoError(t, err)
		assert.Equal(t, relayerTx, again.TransactionHash)
		assert.Equal(t, 1, rel.Calls())
	})

	t.Run("direct settlement blocks a later submit", func(t *testing.T) {
		rel := &fakeRelayer{tx: relayerTx}
		h := newHarness(t, x402.WithRelayer(rel))
		res := h.generate(t, evm.ChainIDEthereum, mainnetUSDC, "100", 5)
		sig := h.payer.sign(t, res.Domain, res.Message)

		_, err := h.svc.Settle(ctx, x402.SettleRequest{Direct: directFrom(res.Authorization, sig)})
		require.NoError(t, err)

		_, err = h.svc.SubmitSignature(ctx, x402.SubmitRequest{
			AuthorizationID: res.Authorization.ID,
			UserID:          testUser,
			Signature:       sig,
		})
		assert.ErrorIs(t, err, x402.ErrNonceReused)
		assert.Equal(t, x402.StatusPending, h.status(t, res.Authorization.ID))
		assert.Equal(t, 1, rel.Calls())
	})
}
