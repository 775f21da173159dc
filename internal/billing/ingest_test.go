package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCallback() IngestCallback {
	return IngestCallback{
		RunID:         "r1",
		Attempt:       0,
		EndUser:       "b1",
		LitellmCallID: "c-1",
		ResponseCost:  "0.003",
		Model:         "test-model",
	}
}

func TestIngestCallback_Validate_OK(t *testing.T) {
	assert.NoError(t, validCallback().Validate())
}

func TestIngestCallback_Validate_MissingRunID(t *testing.T) {
	p := validCallback()
	p.RunID = ""
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestIngestCallback_Validate_MissingEndUser(t *testing.T) {
	p := validCallback()
	p.EndUser = ""
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestIngestCallback_Validate_MissingCallID(t *testing.T) {
	p := validCallback()
	p.LitellmCallID = ""
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestIngestCallback_Validate_MissingCost(t *testing.T) {
	p := validCallback()
	p.ResponseCost = ""
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestIngestCallback_Validate_MalformedCost(t *testing.T) {
	p := validCallback()
	p.ResponseCost = "not-a-number"
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedCost)
}

func TestIngestCallback_Validate_ZeroCostRejected(t *testing.T) {
	p := validCallback()
	p.ResponseCost = "0"
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonPositiveCost)
}

func TestIngestCallback_Validate_NegativeCostRejected(t *testing.T) {
	p := validCallback()
	p.ResponseCost = "-1.5"
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonPositiveCost)
}

func TestIngestCallback_ChargedCredits_RoundsHalfUp(t *testing.T) {
	p := validCallback()
	p.ResponseCost = "0.003"

	credits, err := p.ChargedCredits(1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), credits)
}

func TestIngestCallback_ChargedCredits_HalfRoundsUp(t *testing.T) {
	p := validCallback()
	// 0.0000015 * 1_000_000 = 1.5 -> rounds up to 2, never down.
	p.ResponseCost = "0.0000015"

	credits, err := p.ChargedCredits(1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), credits)
}

func TestIngestCallback_ChargedCredits_SmallFractionRoundsDown(t *testing.T) {
	p := validCallback()
	// 0.0000012 * 1_000_000 = 1.2 -> rounds down to 1.
	p.ResponseCost = "0.0000012"

	credits, err := p.ChargedCredits(1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), credits)
}
