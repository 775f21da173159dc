package billing

import (
	"encoding/json"
	"net/http"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/coremodel"
	"github.com/cogni-dao/sandboxcore/internal/coreerr"
	"github.com/cogni-dao/sandboxcore/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Handler serves POST /internal/billing/ingest. Bearer-token authentication
// happens in cmd/sandboxcore's IngestAuth middleware, upstream of this
// handler — by the time ServeHTTP runs, the caller has already proven it
// holds the ingest token, so Handler only validates the payload shape and
// writes the receipt.
type Handler struct {
	repo    Repository
	cfg     config.BillingConfig
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewHandler constructs a Handler. metrics may be nil in tests that don't
// care about ingest-outcome counters.
func NewHandler(repo Repository, cfg config.BillingConfig, metrics *metrics.Collector, logger *zap.Logger) *Handler {
	return &Handler{
		repo:    repo,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "billing_handler")),
	}
}

type ingestResponse struct {
	Status string `json:"status"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeCoreErr(w, coreerr.New(coreerr.InvalidRequest, "method not allowed").WithHTTPStatus(http.StatusMethodNotAllowed), "rejected")
		return
	}

	ctx, span := otel.Tracer("sandboxcore/billing").Start(r.Context(), "billing.ingest")
	defer span.End()

	var payload IngestCallback
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.logger.Warn("ingest payload decode failed", zap.Error(err))
		h.writeCoreErr(w, coreerr.Wrap(coreerr.InvalidRequest, err, "malformed JSON body").WithHTTPStatus(http.StatusBadRequest), "rejected")
		return
	}

	if err := payload.Validate(); err != nil {
		h.logger.Warn("ingest payload validation failed", zap.Error(err), zap.String("run_id", payload.RunID))
		h.writeCoreErr(w, coreerr.Wrap(coreerr.InvalidRequest, err, err.Error()).WithHTTPStatus(http.StatusBadRequest), "rejected")
		return
	}

	span.SetAttributes(
		attribute.String("run_id", payload.RunID),
		attribute.String("litellm_call_id", payload.LitellmCallID),
	)

	credits, err := payload.ChargedCredits(h.cfg.CreditsPerUSD)
	if err != nil {
		h.logger.Warn("charged credits conversion failed", zap.Error(err))
		h.writeCoreErr(w, coreerr.Wrap(coreerr.InvalidRequest, err, err.Error()).WithHTTPStatus(http.StatusBadRequest), "rejected")
		return
	}

	sourceReference := coremodel.SourceReference(payload.RunID, payload.Attempt, payload.LitellmCallID)
	receipt := ChargeReceiptRow{
		RunID:            payload.RunID,
		Attempt:          payload.Attempt,
		BillingAccountID: payload.EndUser,
		SourceSystem:     "litellm",
		SourceReference:  sourceReference,
		LitellmCallID:    payload.LitellmCallID,
		ResponseCostUSD:  payload.ResponseCost,
		ChargedCredits:   credits,
		ChargeReason:     "llm_usage",
	}
	details := LlmChargeDetailsRow{
		Model:          payload.Model,
		Provider:       payload.Provider,
		TokensIn:       payload.Usage.PromptTokens,
		TokensOut:      payload.Usage.CompletionTokens,
		LatencyMs:      payload.LatencyMs,
		GraphID:        payload.SpendLogsMetadata.GraphID,
		ProviderCallID: payload.LitellmCallID,
	}

	inserted, err := h.repo.WriteReceipt(ctx, payload.EndUser, receipt, details)
	if err != nil {
		h.logger.Error("charge receipt write failed", zap.Error(err), zap.String("run_id", payload.RunID))
		h.writeCoreErr(w, coreerr.Wrap(coreerr.TransientDBError, err, "receipt write failed").WithHTTPStatus(http.StatusInternalServerError), "rejected")
		return
	}

	if !inserted {
		h.recordOutcome("duplicate")
		h.writeJSON(w, http.StatusOK, ingestResponse{Status: "duplicate"})
		return
	}

	h.recordOutcome("accepted")
	h.writeJSON(w, http.StatusOK, ingestResponse{Status: "accepted"})
}

func (h *Handler) recordOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordBillingIngest(outcome)
	}
}

func (h *Handler) writeCoreErr(w http.ResponseWriter, err *coreerr.Error, outcome string) {
	h.recordOutcome(outcome)
	status := err.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, map[string]string{"error": string(err.Code), "message": err.Message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
