package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cogni-dao/sandboxcore/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRepository is a hand-rolled test double for Repository — the
// interface is narrow enough that a mock generator would be overkill.
type fakeRepository struct {
	inserted bool
	err      error

	lastTenantID string
	lastReceipt  ChargeReceiptRow
	lastDetails  LlmChargeDetailsRow
	calls        int
}

func (f *fakeRepository) WriteReceipt(_ context.Context, tenantID string, receipt ChargeReceiptRow, details LlmChargeDetailsRow) (bool, error) {
	f.calls++
	f.lastTenantID = tenantID
	f.lastReceipt = receipt
	f.lastDetails = details
	return f.inserted, f.err
}

func testConfig() config.BillingConfig {
	return config.BillingConfig{
		CreditsPerUSD: 1_000_000,
	}
}

func newTestHandler(repo Repository) *Handler {
	return NewHandler(repo, testConfig(), nil, zap.NewNop())
}

func postJSON(h *Handler, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, "/internal/billing/ingest", &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ServeHTTP_AcceptedOnFreshInsert(t *testing.T) {
	repo := &fakeRepository{inserted: true}
	h := newTestHandler(repo)

	payload := IngestCallback{
		RunID:         "r1",
		EndUser:       "b1",
		LitellmCallID: "c-1",
		ResponseCost:  "0.003",
		Model:         "test-model",
	}

	rec := postJSON(h, payload)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)

	assert.Equal(t, 1, repo.calls)
	assert.Equal(t, "b1", repo.lastTenantID)
	assert.Equal(t, int64(3000), repo.lastReceipt.ChargedCredits)
	assert.Equal(t, "r1/0/c-1", repo.lastReceipt.SourceReference)
}

func TestHandler_ServeHTTP_DuplicateReturnsOK(t *testing.T) {
	repo := &fakeRepository{inserted: false}
	h := newTestHandler(repo)

	payload := IngestCallback{
		RunID:         "r1",
		EndUser:       "b1",
		LitellmCallID: "c-1",
		ResponseCost:  "0.003",
	}

	rec := postJSON(h, payload)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp.Status)
}

func TestHandler_ServeHTTP_RejectsMissingFields(t *testing.T) {
	repo := &fakeRepository{inserted: true}
	h := newTestHandler(repo)

	payload := IngestCallback{
		RunID:   "r1",
		EndUser: "b1",
		// LitellmCallID and ResponseCost omitted.
	}

	rec := postJSON(h, payload)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, repo.calls)
}

func TestHandler_ServeHTTP_RejectsMalformedJSON(t *testing.T) {
	repo := &fakeRepository{inserted: true}
	h := newTestHandler(repo)

	req := httptest.NewRequest(http.MethodPost, "/internal/billing/ingest", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, repo.calls)
}

func TestHandler_ServeHTTP_RejectsWrongMethod(t *testing.T) {
	repo := &fakeRepository{inserted: true}
	h := newTestHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/internal/billing/ingest", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, repo.calls)
}

func TestHandler_ServeHTTP_RepositoryErrorIsInternalError(t *testing.T) {
	repo := &fakeRepository{err: assertAnError{}}
	h := newTestHandler(repo)

	payload := IngestCallback{
		RunID:         "r1",
		EndUser:       "b1",
		LitellmCallID: "c-1",
		ResponseCost:  "0.003",
	}

	rec := postJSON(h, payload)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "db unavailable" }
