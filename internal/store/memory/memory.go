// Package memory provides an in-process x402.Store for tests and
// single-instance development setups.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	x402 "github.com/protocolbanks/x402"
)

type nonceKey struct {
	payer   string
	token   string
	chainID int64
	nonce   string
}

type routeKey struct {
	chainID int64
	token   string
}

// Store keeps every table in maps guarded by one mutex. The mutex gives the
// same guarantees the SQL store gets from its unique indexes and
// conditional updates.
type Store struct {
	mu             sync.Mutex
	authorizations map[string]*x402.Authorization
	nonces         map[nonceKey]time.Time
	settlements    map[string]*x402.Settlement
	routes         map[routeKey]*x402.RouteConfig
}

var _ x402.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		authorizations: make(map[string]*x402.Authorization),
		nonces:         make(map[nonceKey]time.Time),
		settlements:    make(map[string]*x402.Settlement),
		routes:         make(map[routeKey]*x402.RouteConfig),
	}
}

func (s *Store) CreateAuthorization(_ context.Context, auth *x402.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authorizations[auth.ID]; exists {
		return x402.ErrStatusConflict
	}
	cp := *auth
	s.authorizations[auth.ID] = &cp
	return nil
}

func (s *Store) GetAuthorization(_ context.Context, id string) (*x402.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.authorizations[id]
	if !ok {
		return nil, x402.ErrRecordNotFound
	}
	cp := *auth
	return &cp, nil
}

func (s *Store) TransitionStatus(_ context.Context, id string, from x402.Status, update x402.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLocked(id, from, update)
}

// SubmitAuthorization checks both preconditions before touching either map.
func (s *Store) SubmitAuthorization(_ context.Context, id string, update x402.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.authorizations[id]
	if !ok {
		return x402.ErrRecordNotFound
	}
	if auth.Status != x402.StatusPending {
		return x402.ErrStatusConflict
	}
	key := newNonceKey(auth.FromAddress, auth.TokenAddress, auth.ChainID, auth.Nonce)
	if _, used := s.nonces[key]; used {
		return x402.ErrNonceAlreadyUsed
	}

	s.nonces[key] = time.Now()
	return s.transitionLocked(id, x402.StatusPending, update)
}

func (s *Store) transitionLocked(id string, from x402.Status, update x402.StatusUpdate) error {
	auth, ok := s.authorizations[id]
	if !ok {
		return x402.ErrRecordNotFound
	}
	if auth.Status != from {
		return x402.ErrStatusConflict
	}

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
	auth.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListExpirable(_ context.Context, now time.Time, limit int) ([]*x402.Authorization, error) {
	return s.list(limit, func(a *x402.Authorization) bool {
		return (a.Status == x402.StatusPending || a.Status == x402.StatusSubmitted) && !now.Before(a.ValidBefore)
	}), nil
}

func (s *Store) ListStaleExecuting(_ context.Context, cutoff time.Time, limit int) ([]*x402.Authorization, error) {
	return s.list(limit, func(a *x402.Authorization) bool {
		return a.Status == x402.StatusExecuting && a.UpdatedAt.Before(cutoff)
	}), nil
}

func (s *Store) list(limit int, match func(*x402.Authorization) bool) []*x402.Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*x402.Authorization
	for _, auth := range s.authorizations {
		if match(auth) {
			cp := *auth
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) IsNonceUsed(_ context.Context, payer, token string, chainID int64, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, used := s.nonces[newNonceKey(payer, token, chainID, nonce)]
	return used, nil
}

func (s *Store) MarkNonceUsed(_ context.Context, payer, token string, chainID int64, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := newNonceKey(payer, token, chainID, nonce)
	if _, used := s.nonces[key]; used {
		return x402.ErrNonceAlreadyUsed
	}
	s.nonces[key] = time.Now()
	return nil
}

func (s *Store) ReleaseNonce(_ context.Context, payer, token string, chainID int64, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nonces, newNonceKey(payer, token, chainID, nonce))
	return nil
}

func newNonceKey(payer, token string, chainID int64, nonce string) nonceKey {
	return nonceKey{
		payer:   strings.ToLower(payer),
		token:   strings.ToLower(token),
		chainID: chainID,
		nonce:   strings.ToLower(nonce),
	}
}

func (s *Store) CreateSettlement(_ context.Context, st *x402.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := x402.SettlementKey{
		Payer:        st.Payer,
		TokenAddress: st.TokenAddress,
		ChainID:      st.ChainID,
		Nonce:        st.Nonce,
	}.String()
	if _, exists := s.settlements[key]; exists {
		return x402.ErrSettlementExists
	}
	cp := *st
	s.settlements[key] = &cp
	return nil
}

func (s *Store) GetSettlement(_ context.Context, key x402.SettlementKey) (*x402.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[key.String()]
	if !ok {
		return nil, x402.ErrRecordNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) GetRouteConfig(_ context.Context, chainID int64, token string) (*x402.RouteConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.routes[routeKey{chainID, strings.ToLower(token)}]
	if !ok {
		return nil, x402.ErrRecordNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *Store) UpsertRouteConfig(_ context.Context, cfg *x402.RouteConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cfg
	s.routes[routeKey{cfg.ChainID, strings.ToLower(cfg.TokenAddress)}] = &cp
	return nil
}

// Settlements returns every recorded settlement, for assertions in tests.
func (s *Store) Settlements() []*x402.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*x402.Settlement, 0, len(s.settlements))
	for _, st := range s.settlements {
		cp := *st
		out = append(out, &cp)
	}
	return out
}
