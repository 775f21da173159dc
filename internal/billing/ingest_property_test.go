package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// TestChargedCredits_MonotonicInCost checks that increasing the response
// cost never decreases the charged credit amount, for a fixed rate, across
// randomly generated decimal costs and exchange rates. ChargedCredits itself
// does not reject non-positive costs (Validate already ran by the time it is
// called), so this only exercises the arithmetic, not payload rejection.
func TestChargedCredits_MonotonicInCost(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Int64Range(1, 1_000_000).Draw(t, "credits_per_usd")
		lowCents := rapid.Int64Range(0, 500_000).Draw(t, "low_cents")
		deltaCents := rapid.Int64Range(0, 500_000).Draw(t, "delta_cents")

		low := IngestCallback{
			RunID: "r", EndUser: "b", LitellmCallID: "c",
			ResponseCost: decimal.New(lowCents, -2).String(),
		}
		high := IngestCallback{
			RunID: "r", EndUser: "b", LitellmCallID: "c",
			ResponseCost: decimal.New(lowCents+deltaCents, -2).String(),
		}

		lowCredits, err := low.ChargedCredits(rate)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		highCredits, err := high.ChargedCredits(rate)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if highCredits < lowCredits {
			t.Fatalf("charged credits decreased as cost increased: low=%d(%s) high=%d(%s)",
				lowCredits, low.ResponseCost, highCredits, high.ResponseCost)
		}
	})
}

// TestChargedCredits_ScalesWithRate checks that, for a fixed positive cost,
// a higher credits-per-USD rate never yields fewer charged credits.
func TestChargedCredits_ScalesWithRate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cents := rapid.Int64Range(1, 1_000_000).Draw(t, "cents")
		lowRate := rapid.Int64Range(1, 500_000).Draw(t, "low_rate")
		deltaRate := rapid.Int64Range(0, 500_000).Draw(t, "delta_rate")

		p := IngestCallback{
			RunID: "r", EndUser: "b", LitellmCallID: "c",
			ResponseCost: decimal.New(cents, -2).String(),
		}

		lowCredits, err := p.ChargedCredits(lowRate)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		highCredits, err := p.ChargedCredits(lowRate + deltaRate)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if highCredits < lowCredits {
			t.Fatalf("charged credits decreased as rate increased: low=%d(rate=%d) high=%d(rate=%d)",
				lowCredits, lowRate, highCredits, lowRate+deltaRate)
		}
	})
}
