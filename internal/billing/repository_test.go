package billing

import (
	"context"
	"testing"

	"github.com/cogni-dao/sandboxcore/internal/database"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestRepo(t *testing.T) (*GormRepository, sqlmock.Sqlmock, func()) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	pool, err := database.NewPoolManager(gormDB, database.PoolConfig{}, zap.NewNop())
	require.NoError(t, err)

	repo := NewGormRepository(pool, "app.current_tenant", zap.NewNop())
	return repo, mock, func() { mockDB.Close() }
}

func TestGormRepository_WriteReceipt_FreshInsert(t *testing.T) {
	repo, mock, cleanup := setupTestRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config").
		WithArgs("app.current_tenant", "b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "charge_receipts"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO "llm_charge_details"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	receipt := ChargeReceiptRow{
		RunID:            "r1",
		Attempt:          0,
		BillingAccountID: "b1",
		SourceSystem:     "litellm",
		SourceReference:  "r1/0/c-1",
		LitellmCallID:    "c-1",
		ResponseCostUSD:  "0.003",
		ChargedCredits:   3000,
		ChargeReason:     "llm_usage",
	}
	details := LlmChargeDetailsRow{
		Model:          "test-model",
		Provider:       "openai",
		TokensIn:       10,
		TokensOut:      20,
		LatencyMs:      42,
		GraphID:        "sandbox:agent",
		ProviderCallID: "c-1",
	}

	inserted, err := repo.WriteReceipt(context.Background(), "b1", receipt, details)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormRepository_WriteReceipt_DuplicateIsNoOp(t *testing.T) {
	repo, mock, cleanup := setupTestRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config").
		WithArgs("app.current_tenant", "b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "charge_receipts"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	receipt := ChargeReceiptRow{
		RunID:            "r1",
		Attempt:          0,
		BillingAccountID: "b1",
		SourceReference:  "r1/0/c-1",
		LitellmCallID:    "c-1",
		ResponseCostUSD:  "0.003",
		ChargedCredits:   3000,
	}

	inserted, err := repo.WriteReceipt(context.Background(), "b1", receipt, LlmChargeDetailsRow{})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
