// Package billing implements the BillingIngestor: the authenticated HTTP
// endpoint that receives the upstream LLM's authoritative cost callback and
// writes idempotent ChargeReceipt/LlmChargeDetails rows under RLS. The
// proxy's audit log and the in-container agent's stdout are both advisory;
// this package is the only writer of billing truth.
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// IngestCallback is the LLM-native callback payload this endpoint accepts.
// Field names mirror LiteLLM's spend-logs webhook shape rather than the
// core's own camelCase conventions, since this struct unmarshals bytes the
// core does not control.
type IngestCallback struct {
	RunID             string `json:"run_id"`
	Attempt           int    `json:"attempt"`
	EndUser           string `json:"end_user"`
	LitellmCallID     string `json:"litellm_call_id"`
	ResponseCost      string `json:"response_cost"`
	Model             string `json:"model"`
	Provider          string `json:"provider"`
	LatencyMs         int    `json:"latency_ms"`
	Usage             usage  `json:"usage"`
	SpendLogsMetadata struct {
		GraphID string `json:"graph_id"`
	} `json:"spend_logs_metadata"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Validate checks the identity fields a receipt cannot be written without.
// responseCost must parse as a decimal > 0 — paid calls only; a zero-cost
// call (e.g. a cache hit LiteLLM bills at $0) never reaches this path, and
// the LLM gateway is trusted not to send it.
func (p IngestCallback) Validate() error {
	if p.RunID == "" || p.EndUser == "" {
		return fmt.Errorf("%w: run_id and end_user are required", ErrMissingRequiredField)
	}
	if p.LitellmCallID == "" {
		return fmt.Errorf("%w: litellm_call_id is required", ErrMissingRequiredField)
	}
	if p.ResponseCost == "" {
		return fmt.Errorf("%w: response_cost is required", ErrMissingRequiredField)
	}
	cost, err := decimal.NewFromString(p.ResponseCost)
	if err != nil {
		return fmt.Errorf("%w: response_cost %q: %v", ErrMalformedCost, p.ResponseCost, err)
	}
	if cost.Sign() <= 0 {
		return fmt.Errorf("%w: response_cost must be > 0, got %s", ErrNonPositiveCost, p.ResponseCost)
	}
	return nil
}

// ChargedCredits converts p.ResponseCost to an integer credit amount via
// round-half-up decimal arithmetic, never floating point. creditsPerUSD is
// the fixed integer exchange rate (config.BillingConfig.CreditsPerUSD).
// Validate must be called first; ChargedCredits re-parses the already
// validated string and does not itself reject non-positive costs.
func (p IngestCallback) ChargedCredits(creditsPerUSD int64) (int64, error) {
	cost, err := decimal.NewFromString(p.ResponseCost)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedCost, err)
	}
	credits := cost.Mul(decimal.NewFromInt(creditsPerUSD)).Round(0)
	return credits.IntPart(), nil
}
