package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	x402 "github.com/protocolbanks/x402"
	x402evm "github.com/protocolbanks/x402/mechanisms/evm"
)

const (
	defaultReceiptTimeout = 20 * time.Second
	defaultPollInterval   = 2 * time.Second

	// gas estimate headroom, in percent
	gasLimitBuffer = 20

	StatusSuccess  = "success"
	StatusReverted = "reverted"
	StatusPending  = "pending"
)

// Backend is the subset of ethclient.Client used by the relayer.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// OnchainRelayer broadcasts transferWithAuthorization from its own funded
// account. It implements x402.Relayer.
type OnchainRelayer struct {
	signer   *LocalSigner
	backends map[int64]Backend
	logger   zerolog.Logger

	transferABI abi.ABI
	stateABI    abi.ABI

	receiptTimeout time.Duration
	pollInterval   time.Duration

	// one in-flight send per chain keeps account nonces sequential
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

var _ x402.Relayer = (*OnchainRelayer)(nil)

// RelayerOption configures an OnchainRelayer
type RelayerOption func(*OnchainRelayer)

func WithRelayerLogger(l zerolog.Logger) RelayerOption {
	return func(r *OnchainRelayer) {
		r.logger = l
	}
}

// WithReceiptWait bounds how long Submit waits for a receipt and how often
// it polls.
func WithReceiptWait(timeout, poll time.Duration) RelayerOption {
	return func(r *OnchainRelayer) {
		if timeout > 0 {
			r.receiptTimeout = timeout
		}
		if poll > 0 {
			r.pollInterval = poll
		}
	}
}

// NewOnchainRelayer creates a relayer that sends through one backend per chain.
func NewOnchainRelayer(signer *LocalSigner, backends map[int64]Backend, opts ...RelayerOption) (*OnchainRelayer, error) {
	transferABI, err := abi.JSON(bytes.NewReader(x402evm.TransferWithAuthorizationVRSABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transfer ABI: %w", err)
	}
	stateABI, err := abi.JSON(bytes.NewReader(x402evm.AuthorizationStateABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse authorizationState ABI: %w", err)
	}

	r := &OnchainRelayer{
		signer:         signer,
		backends:       backends,
		logger:         log.Logger,
		transferABI:    transferABI,
		stateABI:       stateABI,
		receiptTimeout: defaultReceiptTimeout,
		pollInterval:   defaultPollInterval,
		locks:          make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// DialBackends connects an ethclient for every configured RPC URL.
func DialBackends(ctx context.Context, rpcURLs map[int64]string) (map[int64]Backend, error) {
	out := make(map[int64]Backend, len(rpcURLs))
	for chainID, url := range rpcURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to dial chain %d: %w", chainID, err)
		}
		out[chainID] = client
	}
	return out, nil
}

// Address returns the relayer's sending account.
func (r *OnchainRelayer) Address() string {
	return r.signer.Address()
}

func (r *OnchainRelayer) chainLock(chainID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[chainID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[chainID] = l
	}
	return l
}

// Submit sends the transfer and waits a bounded time for its receipt. A
// mined revert yields x402.ErrTransactionReverted; a receipt that does not
// arrive in time still returns the hash with status pending.
func (r *OnchainRelayer) Submit(ctx context.Context, req x402.RelayRequest) (*x402.RelayResult, error) {
	backend, ok := r.backends[req.ChainID]
	if !ok {
		return nil, fmt.Errorf("no RPC endpoint configured for chain %d", req.ChainID)
	}

	token := common.HexToAddress(req.Token)
	from := common.HexToAddress(req.Message.From)
	nonce, err := x402evm.NonceToBytes32(req.Message.Nonce)
	if err != nil {
		return nil, err
	}

	used, err := r.authorizationUsed(ctx, backend, token, from, nonce)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, fmt.Errorf("%w: authorization nonce already used on-chain", x402.ErrTransactionReverted)
	}

	data, err := r.packTransfer(req, nonce)
	if err != nil {
		return nil, err
	}

	tx, err := r.send(ctx, backend, req.ChainID, token, data)
	if err != nil {
		return nil, err
	}

	txHash := tx.Hash().Hex()
	r.logger.Info().
		Str("reference", req.Reference).
		Str("tx_hash", txHash).
		Int64("chain_id", req.ChainID).
		Msg("relayed transferWithAuthorization")

	result := &x402.RelayResult{
		RelayerAddress: r.signer.Address(),
		TxHash:         txHash,
		Status:         StatusPending,
	}

	receipt, err := r.waitReceipt(ctx, backend, tx.Hash())
	if err != nil {
		r.logger.Warn().Err(err).Str("tx_hash", txHash).Msg("receipt not available yet")
		return result, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", x402.ErrTransactionReverted, txHash)
	}
	result.Status = StatusSuccess
	return result, nil
}

func (r *OnchainRelayer) authorizationUsed(ctx context.Context, backend Backend, token, from common.Address, nonce [32]byte) (bool, error) {
	data, err := r.stateABI.Pack(x402evm.FunctionAuthorizationState, from, nonce)
	if err != nil {
		return false, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("authorizationState call failed: %w", err)
	}
	values, err := r.stateABI.Unpack(x402evm.FunctionAuthorizationState, out)
	if err != nil {
		return false, fmt.Errorf("failed to unpack authorizationState: %w", err)
	}
	if len(values) != 1 {
		return false, errors.New("unexpected authorizationState result")
	}
	used, ok := values[0].(bool)
	if !ok {
		return false, errors.New("unexpected authorizationState result type")
	}
	return used, nil
}

func (r *OnchainRelayer) packTransfer(req x402.RelayRequest, nonce [32]byte) ([]byte, error) {
	sig, err := x402evm.HexToBytes(req.Signature)
	if err != nil {
		return nil, err
	}
	v, rr, ss, err := x402evm.SplitSignature(sig)
	if err != nil {
		return nil, err
	}

	value, ok := new(big.Int).SetString(req.Message.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", req.Message.Value)
	}
	validAfter, ok := new(big.Int).SetString(req.Message.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter %q", req.Message.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(req.Message.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore %q", req.Message.ValidBefore)
	}

	return r.transferABI.Pack(
		x402evm.FunctionTransferWithAuthorization,
		common.HexToAddress(req.Message.From),
		common.HexToAddress(req.Message.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		rr,
		ss,
	)
}

func (r *OnchainRelayer) send(ctx context.Context, backend Backend, chainID int64, to common.Address, data []byte) (*types.Transaction, error) {
	lock := r.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	from := common.HexToAddress(r.signer.Address())
	accountNonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get account nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas += gas * gasLimitBuffer / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    accountNonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := r.signer.SignTx(tx, big.NewInt(chainID))
	if err != nil {
		return nil, err
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed, nil
}

func (r *OnchainRelayer) waitReceipt(ctx context.Context, backend Backend, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			r.logger.Debug().Err(err).Str("tx_hash", hash.Hex()).Msg("receipt lookup failed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetStatus looks the transaction up on every configured chain.
func (r *OnchainRelayer) GetStatus(ctx context.Context, txHash string) (string, error) {
	hash := common.HexToHash(txHash)
	for chainID, backend := range r.backends {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				continue
			}
			return "", fmt.Errorf("receipt lookup on chain %d failed: %w", chainID, err)
		}
		if receipt.Status == types.ReceiptStatusSuccessful {
			return StatusSuccess, nil
		}
		return StatusReverted, nil
	}
	return StatusPending, nil
}
