package store

import (
	"strings"
	"time"

	x402 "github.com/protocolbanks/x402"
)

// AuthorizationRow is the persisted form of x402.Authorization.
type AuthorizationRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	UserID           string `gorm:"not null;index"`
	FromAddress      string `gorm:"not null;size:42"`
	ToAddress        string `gorm:"not null;size:42"`
	TokenAddress     string `gorm:"not null;size:42"`
	ChainID          int64  `gorm:"not null"`
	Amount           string `gorm:"not null;size:78"`
	Nonce            string `gorm:"not null;size:66"`
	ValidAfter       time.Time
	ValidBefore      time.Time `gorm:"index"`
	Signature        string    `gorm:"size:132"`
	Status           string    `gorm:"not null;index;size:16"`
	TransactionHash  string    `gorm:"size:128"`
	SettlementMethod string    `gorm:"size:16"`
	Fee              string    `gorm:"size:78"`
	FailureReason    string    `gorm:"size:255"`
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"index"`
}

func (AuthorizationRow) TableName() string {
	return "authorizations"
}

func authorizationRow(a *x402.Authorization) *AuthorizationRow {
	return &AuthorizationRow{
		ID:               a.ID,
		UserID:           a.UserID,
		FromAddress:      a.FromAddress,
		ToAddress:        a.ToAddress,
		TokenAddress:     a.TokenAddress,
		ChainID:          a.ChainID,
		Amount:           a.Amount,
		Nonce:            a.Nonce,
		ValidAfter:       a.ValidAfter.UTC(),
		ValidBefore:      a.ValidBefore.UTC(),
		Signature:        a.Signature,
		Status:           string(a.Status),
		TransactionHash:  a.TransactionHash,
		SettlementMethod: string(a.SettlementMethod),
		Fee:              a.Fee,
		FailureReason:    a.FailureReason,
		CreatedAt:        a.CreatedAt.UTC(),
		UpdatedAt:        a.UpdatedAt.UTC(),
	}
}

func (r *AuthorizationRow) toDomain() *x402.Authorization {
	return &x402.Authorization{
		ID:               r.ID,
		UserID:           r.UserID,
		FromAddress:      r.FromAddress,
		ToAddress:        r.ToAddress,
		TokenAddress:     r.TokenAddress,
		ChainID:          r.ChainID,
		Amount:           r.Amount,
		Nonce:            r.Nonce,
		ValidAfter:       r.ValidAfter,
		ValidBefore:      r.ValidBefore,
		Signature:        r.Signature,
		Status:           x402.Status(r.Status),
		TransactionHash:  r.TransactionHash,
		SettlementMethod: x402.SettlementMethod(r.SettlementMethod),
		Fee:              r.Fee,
		FailureReason:    r.FailureReason,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// NonceRow marks a nonce as consumed by its authorizer. The composite
// unique index is what makes concurrent consumption safe.
type NonceRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Payer     string `gorm:"not null;uniqueIndex:idx_nonce_scope;size:42"`
	Token     string `gorm:"not null;uniqueIndex:idx_nonce_scope;size:42"`
	ChainID   int64  `gorm:"not null;uniqueIndex:idx_nonce_scope"`
	Nonce     string `gorm:"not null;uniqueIndex:idx_nonce_scope;size:66"`
	CreatedAt time.Time
}

func (NonceRow) TableName() string {
	return "nonces"
}

// SettlementRow is the immutable audit record of a settled transfer.
type SettlementRow struct {
	ID              string `gorm:"primaryKey;size:36"`
	AuthorizationID string `gorm:"index;size:64"`
	Payer           string `gorm:"not null;uniqueIndex:idx_settlement_key;size:42"`
	TokenAddress    string `gorm:"not null;uniqueIndex:idx_settlement_key;size:42"`
	ChainID         int64  `gorm:"not null;uniqueIndex:idx_settlement_key"`
	Nonce           string `gorm:"not null;uniqueIndex:idx_settlement_key;size:66"`
	Method          string `gorm:"not null;size:16"`
	Amount          string `gorm:"not null;size:78"`
	Fee             string `gorm:"not null;size:78"`
	NetAmount       string `gorm:"not null;size:78"`
	TransactionHash string `gorm:"not null;index;size:128"`
	CreatedAt       time.Time
}

func (SettlementRow) TableName() string {
	return "settlements"
}

func settlementRow(s *x402.Settlement) *SettlementRow {
	return &SettlementRow{
		ID:              s.ID,
		AuthorizationID: s.AuthorizationID,
		Payer:           strings.ToLower(s.Payer),
		TokenAddress:    strings.ToLower(s.TokenAddress),
		ChainID:         s.ChainID,
		Nonce:           strings.ToLower(s.Nonce),
		Method:          string(s.Method),
		Amount:          s.Amount,
		Fee:             s.Fee,
		NetAmount:       s.NetAmount,
		TransactionHash: s.TransactionHash,
		CreatedAt:       s.CreatedAt.UTC(),
	}
}

func (r *SettlementRow) toDomain() *x402.Settlement {
	return &x402.Settlement{
		ID:              r.ID,
		AuthorizationID: r.AuthorizationID,
		Payer:           r.Payer,
		TokenAddress:    r.TokenAddress,
		ChainID:         r.ChainID,
		Nonce:           r.Nonce,
		Method:          x402.SettlementMethod(r.Method),
		Amount:          r.Amount,
		Fee:             r.Fee,
		NetAmount:       r.NetAmount,
		TransactionHash: r.TransactionHash,
		CreatedAt:       r.CreatedAt,
	}
}

// RouteConfigRow stores per chain/token routing. Tokens are lowercased.
type RouteConfigRow struct {
	ChainID            int64  `gorm:"primaryKey;autoIncrement:false"`
	TokenAddress       string `gorm:"primaryKey;size:42"`
	FacilitatorEnabled bool   `gorm:"not null"`
	RelayerEnabled     bool   `gorm:"not null"`
	FeeBps             int    `gorm:"not null"`
	UpdatedAt          time.Time
}

func (RouteConfigRow) TableName() string {
	return "route_configs"
}

func (r *RouteConfigRow) toDomain() *x402.RouteConfig {
	return &x402.RouteConfig{
		ChainID:            r.ChainID,
		TokenAddress:       r.TokenAddress,
		FacilitatorEnabled: r.FacilitatorEnabled,
		RelayerEnabled:     r.RelayerEnabled,
		FeeBps:             r.FeeBps,
	}
}
