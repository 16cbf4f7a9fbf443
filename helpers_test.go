package x402_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	x402 "github.com/protocolbanks/x402"
	"github.com/protocolbanks/x402/internal/store/memory"
	"github.com/protocolbanks/x402/mechanisms/evm"
)

const (
	baseUSDC    = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	mainnetUSDC = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	payee       = "0x9876543210987654321098765432109876543210"
	testUser    = "user-1"
)

// ============================================================================
// Fixtures
// ============================================================================

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (w wallet) sign(t *testing.T, domain evm.TypedDataDomain, msg evm.TransferAuthorization) string {
	t.Helper()
	digest, err := evm.HashTransferAuthorization(domain, msg)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, w.key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc   *x402.Service
	store *memory.Store
	clock *testClock
	payer wallet
}

func newHarness(t *testing.T, opts ...x402.ServiceOption) *harness {
	t.Helper()
	return newHarnessOver(t, func(m *memory.Store) x402.Store { return m }, opts...)
}

// newHarnessOver runs the service on wrap(store); assertions still read the
// memory store directly.
func newHarnessOver(t *testing.T, wrap func(*memory.Store) x402.Store, opts ...x402.ServiceOption) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		clock: newTestClock(),
		payer: newWallet(t),
	}
	base := []x402.ServiceOption{
		x402.WithLogger(zerolog.Nop()),
		x402.WithClock(h.clock.Now),
	}
	h.svc = x402.NewService(wrap(h.store), append(base, opts...)...)
	return h
}

// directFrom turns a generated authorization and its signature into the
// equivalent direct-settlement bundle.
func directFrom(auth *x402.Authorization, signature string) *x402.DirectSettlement {
	return &x402.DirectSettlement{
		Signature:   signature,
		From:        auth.FromAddress,
		To:          auth.ToAddress,
		Value:       auth.Amount,
		ValidAfter:  auth.ValidAfter.Unix(),
		ValidBefore: auth.ValidBefore.Unix(),
		Nonce:       auth.Nonce,
		ChainID:     auth.ChainID,
		Token:       auth.TokenAddress,
	}
}

func (h *harness) generate(t *testing.T, chainID int64, token string, amount string, minutes int) *x402.GenerateResult {
	t.Helper()
	res, err := h.svc.GenerateAuthorization(context.Background(), x402.GenerateRequest{
		UserID:          testUser,
		TokenAddress:    token,
		ChainID:         chainID,
		From:            h.payer.address,
		To:              payee,
		Amount:          amount,
		ValidityMinutes: minutes,
	})
	require.NoError(t, err)
	return res
}

// submitted generates and signs an authorization, returning its id.
func (h *harness) submitted(t *testing.T, chainID int64, token string, amount string) string {
	t.Helper()
	res := h.generate(t, chainID, token, amount, 5)
	_, err := h.svc.SubmitSignature(context.Background(), x402.SubmitRequest{
		AuthorizationID: res.Authorization.ID,
		UserID:          testUser,
		Signature:       h.payer.sign(t, res.Domain, res.Message),
	})
	require.NoError(t, err)
	return res.Authorization.ID
}

func (h *harness) status(t *testing.T, id string) x402.Status {
	t.Helper()
	auth, err := h.store.GetAuthorization(context.Background(), id)
	require.NoError(t, err)
	return auth.Status
}

// direct builds a signed direct-settlement bundle valid for five minutes.
func (h *harness) direct(t *testing.T, chainID int64, token string, amount int64) *x402.DirectSettlement {
	t.Helper()
	nonce, err := x402.GenerateNonce()
	require.NoError(t, err)

	now := h.clock.Now()
	validAfter := now.Add(-time.Minute).Unix()
	validBefore := now.Add(5 * time.Minute).Unix()

	domain, err := evm.BuildDomain(chainID, token)
	require.NoError(t, err)
	msg, err := evm.BuildMessage(h.payer.address, payee, big.NewInt(amount), validAfter, validBefore, nonce)
	require.NoError(t, err)

	return &x402.DirectSettlement{
		Signature:   h.payer.sign(t, domain, msg),
		From:        h.payer.address,
		To:          payee,
		Value:       big.NewInt(amount).String(),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
		ChainID:     chainID,
		Token:       token,
	}
}

// ============================================================================
// Provider fakes
// ============================================================================

type fakeFacilitator struct {
	mu    sync.Mutex
	calls int
	tx    string
	err   error
	delay time.Duration
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	f.mu.Lock()
	f.calls++
	tx, err, delay := f.tx, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &x402.SettleResponse{Success: true, Transaction: tx, Network: req.Network}, nil
}

func (f *fakeFacilitator) GetStatus(ctx context.Context, txHash string) (string, error) {
	return "confirmed", nil
}

func (f *fakeFacilitator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRelayer struct {
	mu       sync.Mutex
	calls    int
	tx       string
	err      error
	requests []x402.RelayRequest
}

func (r *fakeRelayer) Submit(ctx context.Context, req x402.RelayRequest) (*x402.RelayResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	return &x402.RelayResult{TxHash: r.tx, RelayerAddress: "0x1111111111111111111111111111111111111111"}, nil
}

func (r *fakeRelayer) GetStatus(ctx context.Context, txHash string) (string, error) {
	return "success", nil
}

func (r *fakeRelayer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeRelayer) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

var errProviderDown = errors.New("provider unavailable")
