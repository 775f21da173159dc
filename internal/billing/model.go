package billing

import "time"

// ChargeReceiptRow is the GORM model for the charge_receipts table — the
// authoritative, idempotent record of one billable LLM call. The unique
// index on (billing_account_id, source_reference) is what actually
// enforces at-most-once; application code never relies on a prior SELECT.
type ChargeReceiptRow struct {
	ID               int64  `gorm:"column:id;primaryKey"`
	RunID            string `gorm:"column:run_id"`
	Attempt          int    `gorm:"column:attempt"`
	BillingAccountID string `gorm:"column:billing_account_id"`
	SourceSystem     string `gorm:"column:source_system"`
	SourceReference  string `gorm:"column:source_reference"`
	LitellmCallID    string `gorm:"column:litellm_call_id"`
	// ResponseCostUSD is stored as a string and only ever touched through
	// shopspring/decimal — never float64.
	ResponseCostUSD string    `gorm:"column:response_cost_usd"`
	ChargedCredits  int64     `gorm:"column:charged_credits"`
	ChargeReason    string    `gorm:"column:charge_reason"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

// TableName pins the GORM model to the migrated table name.
func (ChargeReceiptRow) TableName() string { return "charge_receipts" }

// LlmChargeDetailsRow is the GORM model for the llm_charge_details table,
// the one-to-one sibling of a ChargeReceiptRow.
type LlmChargeDetailsRow struct {
	ID              int64  `gorm:"column:id;primaryKey"`
	ChargeReceiptID int64  `gorm:"column:charge_receipt_id"`
	Model           string `gorm:"column:model"`
	Provider        string `gorm:"column:provider"`
	TokensIn        int    `gorm:"column:tokens_in"`
	TokensOut       int    `gorm:"column:tokens_out"`
	LatencyMs       int    `gorm:"column:latency_ms"`
	GraphID         string `gorm:"column:graph_id"`
	ProviderCallID  string `gorm:"column:provider_call_id"`
}

// TableName pins the GORM model to the migrated table name.
func (LlmChargeDetailsRow) TableName() string { return "llm_charge_details" }
