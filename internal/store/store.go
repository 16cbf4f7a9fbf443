// Package store implements x402.Store on GORM for SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	x402 "github.com/protocolbanks/x402"
)

type Store struct {
	db *gorm.DB
}

var _ x402.Store = (*Store)(nil)

// New opens the database and migrates the schema.
func New(driver, dsn string) (*Store, error) {
	dialector, err := GetDialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates every table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&AuthorizationRow{},
		&NonceRow{},
		&SettlementRow{},
		&RouteConfigRow{},
	)
}

// Health pings the underlying connection.
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Authorization operations

func (s *Store) CreateAuthorization(ctx context.Context, auth *x402.Authorization) error {
	if err := s.db.WithContext(ctx).Create(authorizationRow(auth)).Error; err != nil {
		return fmt.Errorf("create authorization: %w", err)
	}
	return nil
}

func (s *Store) GetAuthorization(ctx context.Context, id string) (*x402.Authorization, error) {
	var row AuthorizationRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, x402.ErrRecordNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// TransitionStatus is a compare-and-swap on status: the WHERE clause carries
// the expected prior status, so of two racing callers only one sees a row
// updated.
func (s *Store) TransitionStatus(ctx context.Context, id string, from x402.Status, update x402.StatusUpdate) error {
	return transition(s.db.WithContext(ctx), id, from, update)
}

// SubmitAuthorization inserts the nonce row and flips pending to submitted
// in one transaction, so a failed update never leaves the nonce burned.
func (s *Store) SubmitAuthorization(ctx context.Context, id string, update x402.StatusUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row AuthorizationRow
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return x402.ErrRecordNotFound
			}
			return err
		}
		if row.Status != string(x402.StatusPending) {
			return x402.ErrStatusConflict
		}
		if err := markNonce(tx, row.FromAddress, row.TokenAddress, row.ChainID, row.Nonce); err != nil {
			return err
		}
		return transition(tx, id, x402.StatusPending, update)
	})
}

func transition(db *gorm.DB, id string, from x402.Status, update x402.StatusUpdate) error {
	fields := map[string]interface{}{
		"status":     string(update.Status),
		"updated_at": time.Now().UTC(),
	}
	if update.Signature != "" {
		fields["signature"] = update.Signature
	}
	if update.TransactionHash != "" {
		fields["transaction_hash"] = update.TransactionHash
	}
	if update.SettlementMethod != "" {
		fields["settlement_method"] = string(update.SettlementMethod)
	}
	if update.Fee != "" {
		fields["fee"] = update.Fee
	}
	if update.FailureReason != "" {
		fields["failure_reason"] = update.FailureReason
	}

	result := db.Model(&AuthorizationRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("transition authorization: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := db.Model(&AuthorizationRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return x402.ErrRecordNotFound
		}
		return x402.ErrStatusConflict
	}
	return nil
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*x402.Authorization, error) {
	var rows []AuthorizationRow
	err := s.db.WithContext(ctx).
		Where("status IN ? AND valid_before <= ?",
			[]string{string(x402.StatusPending), string(x402.StatusSubmitted)}, now.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

func (s *Store) ListStaleExecuting(ctx context.Context, cutoff time.Time, limit int) ([]*x402.Authorization, error) {
	var rows []AuthorizationRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(x402.StatusExecuting), cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

func toDomainList(rows []AuthorizationRow) []*x402.Authorization {
	out := make([]*x402.Authorization, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

// Nonce operations

func (s *Store) IsNonceUsed(ctx context.Context, payer, token string, chainID int64, nonce string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&NonceRow{}).
		Where("payer = ? AND token = ? AND chain_id = ? AND nonce = ?",
			strings.ToLower(payer), strings.ToLower(token), chainID, strings.ToLower(nonce)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) MarkNonceUsed(ctx context.Context, payer, token string, chainID int64, nonce string) error {
	return markNonce(s.db.WithContext(ctx), payer, token, chainID, nonce)
}

func (s *Store) ReleaseNonce(ctx context.Context, payer, token string, chainID int64, nonce string) error {
	err := s.db.WithContext(ctx).
		Where("payer = ? AND token = ? AND chain_id = ? AND nonce = ?",
			strings.ToLower(payer), strings.ToLower(token), chainID, strings.ToLower(nonce)).
		Delete(&NonceRow{}).Error
	if err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	return nil
}

// markNonce relies on idx_nonce_scope to reject a second insert.
func markNonce(db *gorm.DB, payer, token string, chainID int64, nonce string) error {
	row := &NonceRow{
		Payer:   strings.ToLower(payer),
		Token:   strings.ToLower(token),
		ChainID: chainID,
		Nonce:   strings.ToLower(nonce),
	}
	if err := db.Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return x402.ErrNonceAlreadyUsed
		}
		return fmt.Errorf("mark nonce: %w", err)
	}
	return nil
}

// Settlement operations

func (s *Store) CreateSettlement(ctx context.Context, st *x402.Settlement) error {
	if err := s.db.WithContext(ctx).Create(settlementRow(st)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return x402.ErrSettlementExists
		}
		return fmt.Errorf("create settlement: %w", err)
	}
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, key x402.SettlementKey) (*x402.Settlement, error) {
	var row SettlementRow
	err := s.db.WithContext(ctx).
		Where("payer = ? AND token_address = ? AND chain_id = ? AND nonce = ?",
			strings.ToLower(key.Payer), strings.ToLower(key.TokenAddress), key.ChainID, strings.ToLower(key.Nonce)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, x402.ErrRecordNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// Route operations

func (s *Store) GetRouteConfig(ctx context.Context, chainID int64, token string) (*x402.RouteConfig, error) {
	var row RouteConfigRow
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND token_address = ?", chainID, strings.ToLower(token)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, x402.ErrRecordNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *Store) UpsertRouteConfig(ctx context.Context, cfg *x402.RouteConfig) error {
	row := &RouteConfigRow{
		ChainID:            cfg.ChainID,
		TokenAddress:       strings.ToLower(cfg.TokenAddress),
		FacilitatorEnabled: cfg.FacilitatorEnabled,
		RelayerEnabled:     cfg.RelayerEnabled,
		FeeBps:             cfg.FeeBps,
		UpdatedAt:          time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chain_id"}, {Name: "token_address"}},
			DoUpdates: clause.AssignmentColumns([]string{"facilitator_enabled", "relayer_enabled", "fee_bps", "updated_at"}),
		}).
		Create(row).Error
}
