package x402

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/protocolbanks/x402/internal/cache"
	"github.com/protocolbanks/x402/internal/metrics"
)

const (
	defaultSettleTimeout      = 30 * time.Second
	defaultRouteCacheTTL      = 60 * time.Second
	defaultSettlementCacheTTL = 5 * time.Minute
	defaultExecutingLease     = 5 * time.Minute
	sweepBatchSize            = 100
)

// Service runs the authorization lifecycle: generation, signature
// verification, settlement routing and execution.
type Service struct {
	store    Store
	settlers map[SettlementMethod]Settler

	// used by Execute when no relayer is registered
	simulated Settler

	routes          *cache.Loader[RouteConfig]
	routeCache      cache.Cache[RouteConfig]
	routeCacheTTL   time.Duration
	settlementCache *settlementCache

	logger  zerolog.Logger
	metrics metrics.Recorder
	now     func() time.Time

	settleTimeout  time.Duration
	relayerFeeBps  int
	executingLease time.Duration

	lifecycleHooks       []LifecycleHook
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// ServiceOption configures the service
type ServiceOption func(*Service)

// WithLogger sets the structured logger
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m metrics.Recorder) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithFacilitator registers the zero-fee facilitator path
func WithFacilitator(f Facilitator) ServiceOption {
	return func(s *Service) {
		s.settlers[MethodCDP] = NewFacilitatorSettler(f)
	}
}

// WithRelayer registers the relayer path
func WithRelayer(r Relayer) ServiceOption {
	return func(s *Service) {
		s.settlers[MethodRelayer] = NewRelayerSettler(r)
	}
}

// WithSettler registers a custom settlement strategy under its method
func WithSettler(settler Settler) ServiceOption {
	return func(s *Service) {
		s.settlers[settler.Method()] = settler
	}
}

// WithRouteCache sets the cache backing route config lookups
func WithRouteCache(c cache.Cache[RouteConfig], ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.routeCache = c
		if ttl > 0 {
			s.routeCacheTTL = ttl
		}
	}
}

// WithRelayerFeeBps sets the default relayer fee for routes without config
func WithRelayerFeeBps(bps int) ServiceOption {
	return func(s *Service) {
		s.relayerFeeBps = bps
	}
}

// WithSettleTimeout bounds each settlement provider call
func WithSettleTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.settleTimeout = d
		}
	}
}

// WithExecutingLease sets how long a row may stay executing before the
// sweeper hands it back for retry
func WithExecutingLease(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.executingLease = d
		}
	}
}

// WithSettlementCacheTTL sets how long successful results are remembered in-process
func WithSettlementCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.settlementCache = newSettlementCache(ttl)
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithLifecycleHook registers a hook for persisted transitions
func WithLifecycleHook(hook LifecycleHook) ServiceOption {
	return func(s *Service) {
		s.lifecycleHooks = append(s.lifecycleHooks, hook)
	}
}

// OnBeforeSettle registers a hook run before each provider call
func OnBeforeSettle(hook BeforeSettleHook) ServiceOption {
	return func(s *Service) {
		s.beforeSettleHooks = append(s.beforeSettleHooks, hook)
	}
}

// OnAfterSettle registers a hook run after each successful provider call
func OnAfterSettle(hook AfterSettleHook) ServiceOption {
	return func(s *Service) {
		s.afterSettleHooks = append(s.afterSettleHooks, hook)
	}
}

// OnSettleFailure registers a hook run after each failed provider call
func OnSettleFailure(hook OnSettleFailureHook) ServiceOption {
	return func(s *Service) {
		s.onSettleFailureHooks = append(s.onSettleFailureHooks, hook)
	}
}

// NewService creates a lifecycle service over store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:           store,
		settlers:        make(map[SettlementMethod]Settler),
		simulated:       NewRelayerSettler(NewSimulatedRelayer()),
		routeCacheTTL:   defaultRouteCacheTTL,
		settlementCache: newSettlementCache(defaultSettlementCacheTTL),
		logger:          log.Logger,
		metrics:         metrics.NewNoopMetrics(),
		now:             time.Now,
		settleTimeout:   defaultSettleTimeout,
		relayerFeeBps:   DefaultRelayerFeeBps,
		executingLease:  defaultExecutingLease,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.routeCache == nil {
		s.routeCache = cache.NewMemoryCache[RouteConfig]()
	}
	s.routes = cache.NewLoader(s.routeCache, s.routeCacheTTL)

	return s
}

// ============================================================================
// Shared helpers
// ============================================================================

// loadAuthorization fetches a row and enforces ownership when userID is set.
func (s *Service) loadAuthorization(ctx context.Context, id, userID string) (*Authorization, error) {
	if id == "" {
		return nil, validationError("authorizationId is required")
	}
	auth, err := s.store.GetAuthorization(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewPaymentError(ErrCodeNotFound, "authorization not found", map[string]interface{}{"authorizationId": id})
		}
		return nil, fmt.Errorf("failed to load authorization %s: %w", id, err)
	}
	if userID != "" && auth.UserID != userID {
		return nil, NewPaymentError(ErrCodeUnauthorized, "authorization belongs to another user", nil)
	}
	return auth, nil
}

// transition applies a conditional status update and mirrors it onto auth.
func (s *Service) transition(ctx context.Context, auth *Authorization, from Status, update StatusUpdate, op string) error {
	if err := s.store.TransitionStatus(ctx, auth.ID, from, update); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return s.conflictError(ctx, auth.ID, from, op)
		}
		return fmt.Errorf("failed to update authorization %s: %w", auth.ID, err)
	}
	s.applyUpdate(auth, update)
	return nil
}

// conflictError reports the status that won a lost compare-and-swap.
func (s *Service) conflictError(ctx context.Context, id string, from Status, op string) error {
	current := from
	if fresh, err := s.store.GetAuthorization(ctx, id); err == nil {
		current = fresh.Status
	}
	return invalidStateError(id, current, op)
}

func (s *Service) applyUpdate(auth *Authorization, update StatusUpdate) {
	auth.Status = update.Status
	if update.Signature != "" {
		auth.Signature = update.Signature
	}
	if update.TransactionHash != "" {
		auth.TransactionHash = update.TransactionHash
	}
	if update.SettlementMethod != "" {
		auth.SettlementMethod = update.SettlementMethod
	}
	if update.Fee != "" {
		auth.Fee = update.Fee
	}
	if update.FailureReason != "" {
		auth.FailureReason = update.FailureReason
	}
	auth.UpdatedAt = s.now()
}

// expire moves a lapsed authorization to expired and returns the Expired error.
func (s *Service) expire(ctx context.Context, auth *Authorization) error {
	from := auth.Status
	err := s.transition(ctx, auth, from, StatusUpdate{Status: StatusExpired}, "expire")
	if err == nil {
		s.metrics.RecordExpired(1)
		s.emit(ctx, EventAuthorizationExpired, auth, nil)
		s.logger.Info().Str("authorization_id", auth.ID).Str("from", string(from)).Msg("authorization expired")
	} else if !errors.Is(err, ErrInvalidState) {
		s.logger.Error().Err(err).Str("authorization_id", auth.ID).Msg("failed to expire authorization")
	}
	return NewPaymentError(ErrCodeExpired, "authorization validity window has elapsed", map[string]interface{}{
		"authorizationId": auth.ID,
		"validBefore":     auth.ValidBefore.Unix(),
	})
}

// checkWindow enforces the validity window for a non-terminal authorization.
func (s *Service) checkWindow(ctx context.Context, auth *Authorization) error {
	now := s.now()
	if auth.IsExpired(now) {
		return s.expire(ctx, auth)
	}
	if !IsWithinValidityWindow(auth.ValidAfter, auth.ValidBefore, now) {
		return validationError("authorization is not valid until %d", auth.ValidAfter.Unix())
	}
	return nil
}

func (s *Service) securityEvent(kind string, auth *Authorization, detail string) {
	s.metrics.RecordSecurityEvent(kind)
	ev := s.logger.Warn().Str("event", "security").Str("kind", kind)
	if auth != nil {
		ev = ev.Str("authorization_id", auth.ID).Str("user_id", auth.UserID).Str("from", auth.FromAddress)
	}
	ev.Msg(detail)
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
