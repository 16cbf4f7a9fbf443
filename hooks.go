package x402

import (
	"context"
	"math/big"
	"time"

	"github.com/protocolbanks/x402/mechanisms/evm"
)

// ============================================================================
// Lifecycle Events
// ============================================================================

// EventType names a lifecycle transition
type EventType string

const (
	EventAuthorizationCreated   EventType = "authorization.created"
	EventAuthorizationSubmitted EventType = "authorization.submitted"
	EventAuthorizationSettled   EventType = "authorization.settled"
	EventAuthorizationCompleted EventType = "authorization.completed"
	EventAuthorizationFailed    EventType = "authorization.failed"
	EventAuthorizationExpired   EventType = "authorization.expired"
	EventTransferSettled        EventType = "transfer.settled"
)

// LifecycleEvent is delivered to lifecycle hooks after a transition is
// persisted. Authorization is nil for direct-parameter settlements.
type LifecycleEvent struct {
	Ctx           context.Context
	Type          EventType
	Authorization *Authorization
	Settlement    *Settlement
	Timestamp     time.Time
}

// LifecycleHook observes persisted transitions.
// Any error returned is logged and does not affect the operation.
type LifecycleHook func(LifecycleEvent) error

// ============================================================================
// Settlement Hook Context Types
// ============================================================================

// Transfer is a signed transfer ready for a settlement provider.
type Transfer struct {
	AuthorizationID string
	Domain          evm.TypedDataDomain
	Message         evm.TransferAuthorization
	Signature       string
	ChainID         int64
	Token           string
	Amount          *big.Int
}

// SettleContext contains information passed to settle hooks
type SettleContext struct {
	Ctx       context.Context
	Transfer  *Transfer
	Method    SettlementMethod
	Timestamp time.Time
}

// SettleResultContext contains a successful provider call
type SettleResultContext struct {
	SettleContext
	TransactionHash string
	Duration        time.Duration
}

// SettleFailureContext contains a failed provider call
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration

	// FallingBack is true when another provider will be tried next
	FallingBack bool
}

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the provider call is skipped with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeSettleHook is called before each provider call
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook is called after a provider returns a transaction hash
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook is called when a provider call fails
type OnSettleFailureHook func(SettleFailureContext) error

// ============================================================================
// Hook dispatch
// ============================================================================

func (s *Service) emit(ctx context.Context, eventType EventType, auth *Authorization, settlement *Settlement) {
	if len(s.lifecycleHooks) == 0 {
		return
	}

	event := LifecycleEvent{
		Ctx:        ctx,
		Type:       eventType,
		Settlement: settlement,
		Timestamp:  s.now(),
	}
	if auth != nil {
		snapshot := *auth
		event.Authorization = &snapshot
	}

	for _, hook := range s.lifecycleHooks {
		if err := hook(event); err != nil {
			s.logger.Warn().Err(err).Str("event", string(eventType)).Msg("lifecycle hook failed")
		}
	}
}

func (s *Service) runBeforeSettle(hookCtx SettleContext) *BeforeHookResult {
	for _, hook := range s.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			s.logger.Warn().Err(err).Str("method", string(hookCtx.Method)).Msg("before settle hook failed")
			continue
		}
		if result != nil && result.Abort {
			return result
		}
	}
	return nil
}

func (s *Service) runAfterSettle(resultCtx SettleResultContext) {
	for _, hook := range s.afterSettleHooks {
		if err := hook(resultCtx); err != nil {
			s.logger.Warn().Err(err).Str("method", string(resultCtx.Method)).Msg("after settle hook failed")
		}
	}
}

func (s *Service) runSettleFailure(failureCtx SettleFailureContext) {
	for _, hook := range s.onSettleFailureHooks {
		if err := hook(failureCtx); err != nil {
			s.logger.Warn().Err(err).Str("method", string(failureCtx.Method)).Msg("settle failure hook failed")
		}
	}
}
