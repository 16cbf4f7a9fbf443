package x402

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/protocolbanks/x402/mechanisms/evm"
)

// Settler executes a signed transfer through one settlement provider.
// Implementations are registered in the service's strategy table keyed by
// Method.
type Settler interface {
	Method() SettlementMethod
	Settle(ctx context.Context, t *Transfer) (txHash string, err error)
	Status(ctx context.Context, txHash string) (string, error)
}

// ============================================================================
// Facilitator strategy
// ============================================================================

// FacilitatorSettler settles through a facilitator such as CDP
type FacilitatorSettler struct {
	facilitator Facilitator
}

// NewFacilitatorSettler wraps a facilitator as a Settler
func NewFacilitatorSettler(f Facilitator) *FacilitatorSettler {
	return &FacilitatorSettler{facilitator: f}
}

func (f *FacilitatorSettler) Method() SettlementMethod {
	return MethodCDP
}

// Settle builds an exact-scheme payment payload from the transfer and hands
// it to the facilitator.
func (f *FacilitatorSettler) Settle(ctx context.Context, t *Transfer) (string, error) {
	payload, requirements := BuildPaymentPayload(t)

	resp, err := f.facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("facilitator rejected settlement: %s", resp.ErrorReason)
	}
	if resp.Transaction == "" {
		return "", errors.New("facilitator returned no transaction hash")
	}
	return resp.Transaction, nil
}

func (f *FacilitatorSettler) Status(ctx context.Context, txHash string) (string, error) {
	return f.facilitator.GetStatus(ctx, txHash)
}

// BuildPaymentPayload converts a transfer into the facilitator wire format.
func BuildPaymentPayload(t *Transfer) (PaymentPayload, PaymentRequirements) {
	maxTimeout := 0
	if before, err := strconv.ParseInt(t.Message.ValidBefore, 10, 64); err == nil {
		if remaining := before - time.Now().Unix(); remaining > 0 {
			maxTimeout = int(remaining)
		}
	}

	requirements := PaymentRequirements{
		Scheme:            "exact",
		Network:           Network(evm.NetworkForChain(t.ChainID)),
		Asset:             evm.NormalizeAddress(t.Token),
		Amount:            t.Message.Value,
		MaxAmountRequired: t.Message.Value,
		PayTo:             t.Message.To,
		MaxTimeoutSeconds: maxTimeout,
		Extra: map[string]interface{}{
			"name":    t.Domain.Name,
			"version": t.Domain.Version,
		},
	}

	payload := PaymentPayload{
		X402Version: 2,
		Payload: map[string]interface{}{
			"signature": t.Signature,
			"authorization": map[string]interface{}{
				"from":        t.Message.From,
				"to":          t.Message.To,
				"value":       t.Message.Value,
				"validAfter":  t.Message.ValidAfter,
				"validBefore": t.Message.ValidBefore,
				"nonce":       t.Message.Nonce,
			},
		},
		Accepted: requirements,
	}
	return payload, requirements
}

// ============================================================================
// Relayer strategy
// ============================================================================

// RelayerSettler settles through a self-hosted or third-party relayer
type RelayerSettler struct {
	relayer Relayer
}

// NewRelayerSettler wraps a relayer as a Settler
func NewRelayerSettler(r Relayer) *RelayerSettler {
	return &RelayerSettler{relayer: r}
}

func (r *RelayerSettler) Method() SettlementMethod {
	return MethodRelayer
}

func (r *RelayerSettler) Settle(ctx context.Context, t *Transfer) (string, error) {
	reference := t.AuthorizationID
	if reference == "" {
		reference = SettlementKey{
			Payer:        t.Message.From,
			TokenAddress: t.Token,
			ChainID:      t.ChainID,
			Nonce:        t.Message.Nonce,
		}.String()
	}

	res, err := r.relayer.Submit(ctx, RelayRequest{
		Reference: reference,
		Domain:    t.Domain,
		Message:   t.Message,
		Signature: t.Signature,
		Token:     t.Token,
		ChainID:   t.ChainID,
	})
	if err != nil {
		return "", err
	}
	if res.TxHash != "" {
		return res.TxHash, nil
	}
	if res.TaskID != "" {
		return res.TaskID, nil
	}
	return "", errors.New("relayer returned neither transaction hash nor task id")
}

func (r *RelayerSettler) Status(ctx context.Context, txHash string) (string, error) {
	return r.relayer.GetStatus(ctx, txHash)
}

// ============================================================================
// Routing
// ============================================================================

// DefaultRouteConfig is used when the store has no row for a chain/token:
// the facilitator serves USDC on Base and Base Sepolia, the relayer serves
// every registered asset.
func DefaultRouteConfig(chainID int64, token string, relayerFeeBps int) RouteConfig {
	cfg := RouteConfig{
		ChainID:        chainID,
		TokenAddress:   evm.NormalizeAddress(token),
		RelayerEnabled: true,
		FeeBps:         relayerFeeBps,
	}
	if chainID == evm.ChainIDBase || chainID == evm.ChainIDBaseSepolia {
		if _, err := evm.GetAssetInfo(chainID, token); err == nil {
			cfg.FacilitatorEnabled = true
		}
	}
	return cfg
}

func routeCacheKey(chainID int64, token string) string {
	return fmt.Sprintf("route:%d:%s", chainID, strings.ToLower(token))
}

// resolveRoute reads the route config through the TTL cache.
func (s *Service) resolveRoute(ctx context.Context, chainID int64, token string) (RouteConfig, error) {
	return s.routes.Get(ctx, routeCacheKey(chainID, token), func(ctx context.Context) (RouteConfig, error) {
		cfg, err := s.store.GetRouteConfig(ctx, chainID, token)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return DefaultRouteConfig(chainID, token, s.relayerFeeBps), nil
			}
			return RouteConfig{}, fmt.Errorf("failed to load route config: %w", err)
		}
		return *cfg, nil
	})
}

// InvalidateRoute drops a cached route config after it is changed.
func (s *Service) InvalidateRoute(ctx context.Context, chainID int64, token string) error {
	return s.routes.Invalidate(ctx, routeCacheKey(chainID, token))
}

// plan lists the strategies to try in order for a route.
func (s *Service) plan(route RouteConfig) []Settler {
	var out []Settler
	if route.FacilitatorEnabled {
		if settler, ok := s.settlers[MethodCDP]; ok {
			out = append(out, settler)
		}
	}
	if route.RelayerEnabled {
		if settler, ok := s.settlers[MethodRelayer]; ok {
			out = append(out, settler)
		}
	}
	return out
}

// settleOutcome is the result of a successful provider call.
type settleOutcome struct {
	method SettlementMethod
	txHash string
}

// dispatch runs settlers in order, falling back on failure. Only the last
// error is surfaced.
func (s *Service) dispatch(ctx context.Context, t *Transfer, settlers []Settler) (*settleOutcome, error) {
	if len(settlers) == 0 {
		return nil, NewPaymentError(ErrCodeUnsupportedRoute, "no settlement path for chain and token", map[string]interface{}{
			"chainId": t.ChainID,
			"token":   t.Token,
		})
	}

	var lastErr error
	for i, settler := range settlers {
		txHash, err := s.callSettler(ctx, t, settler, i < len(settlers)-1)
		if err == nil {
			return &settleOutcome{method: settler.Method(), txHash: txHash}, nil
		}
		lastErr = err

		// A mined revert means the authorization is spent or invalid on-chain
		if errors.Is(err, ErrTransactionReverted) {
			break
		}
	}
	return nil, lastErr
}

func (s *Service) callSettler(ctx context.Context, t *Transfer, settler Settler, canFallBack bool) (string, error) {
	method := settler.Method()
	hookCtx := SettleContext{
		Ctx:       ctx,
		Transfer:  t,
		Method:    method,
		Timestamp: s.now(),
	}

	if abort := s.runBeforeSettle(hookCtx); abort != nil {
		return "", NewPaymentError(ErrCodeUnsupportedRoute, "settlement aborted: "+abort.Reason, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.settleTimeout)
	defer cancel()

	start := time.Now()
	txHash, err := settler.Settle(callCtx, t)
	duration := time.Since(start)

	if err != nil {
		s.metrics.RecordSettlement(string(method), "error", duration)
		s.runSettleFailure(SettleFailureContext{
			SettleContext: hookCtx,
			Error:         err,
			Duration:      duration,
			FallingBack:   canFallBack,
		})

		ev := s.logger.Warn().Err(err).
			Str("authorization_id", t.AuthorizationID).
			Str("method", string(method)).
			Int64("chain_id", t.ChainID).
			Dur("duration", duration)
		if canFallBack {
			s.metrics.RecordFacilitatorFallback()
			ev.Msg("settlement provider failed, falling back")
		} else {
			ev.Msg("settlement provider failed")
		}
		return "", err
	}

	s.metrics.RecordSettlement(string(method), "success", duration)
	s.runAfterSettle(SettleResultContext{
		SettleContext:   hookCtx,
		TransactionHash: txHash,
		Duration:        duration,
	})
	return txHash, nil
}
