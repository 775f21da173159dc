package billing

import (
	"context"
	"fmt"

	"github.com/cogni-dao/sandboxcore/internal/database"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists one ChargeReceipt/LlmChargeDetails pair. Narrowed to
// an interface so the handler is testable without a live database.
type Repository interface {
	WriteReceipt(ctx context.Context, tenantID string, receipt ChargeReceiptRow, details LlmChargeDetailsRow) (inserted bool, err error)
}

// GormRepository is the Repository backed by GORM/Postgres, scoped to RLS
// via database.PoolManager.WithTenantTransaction.
type GormRepository struct {
	pool       *database.PoolManager
	sessionVar string
	logger     *zap.Logger
}

// NewGormRepository constructs a GormRepository. sessionVar is the Postgres
// session variable RLS policies key on (config.BillingConfig.TenantSessionVar,
// "app.current_tenant" by default).
func NewGormRepository(pool *database.PoolManager, sessionVar string, logger *zap.Logger) *GormRepository {
	return &GormRepository{
		pool:       pool,
		sessionVar: sessionVar,
		logger:     logger.With(zap.String("component", "billing_repository")),
	}
}

// WriteReceipt inserts receipt and, only on a fresh insert, details in the
// same RLS-scoped transaction. A conflict on (billing_account_id,
// source_reference) is not an error — it means this exact ingest delivery
// already landed, and WriteReceipt reports inserted=false so the caller can
// return 200 without writing LlmChargeDetails a second time.
func (r *GormRepository) WriteReceipt(ctx context.Context, tenantID string, receipt ChargeReceiptRow, details LlmChargeDetailsRow) (bool, error) {
	var inserted bool

	err := r.pool.WithTenantTransaction(ctx, r.sessionVar, tenantID, func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "billing_account_id"}, {Name: "source_reference"}},
			DoNothing: true,
		}).Create(&receipt)
		if result.Error != nil {
			return fmt.Errorf("insert charge receipt: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			inserted = false
			return nil
		}

		details.ChargeReceiptID = receipt.ID
		if err := tx.Create(&details).Error; err != nil {
			return fmt.Errorf("insert llm charge details: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if !inserted {
		r.logger.Debug("duplicate ingest delivery, no-op",
			zap.String("billing_account_id", tenantID),
			zap.String("source_reference", receipt.SourceReference))
	}
	return inserted, nil
}
