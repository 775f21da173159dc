package graph

import (
	"encoding/json"
	"net/http"

	"github.com/cogni-dao/sandboxcore/internal/coremodel"
	"github.com/cogni-dao/sandboxcore/internal/ctxkeys"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// runRequestBody is the wire shape of a graph run request. Caller is
// resolved by an upstream auth layer and trusted as-is here — the core
// never re-derives billing identity from client input.
type runRequestBody struct {
	GraphID string `json:"graph_id"`
	Model   string `json:"model"`
	Input   string `json:"input"`
	Caller  struct {
		BillingAccountID string `json:"billing_account_id"`
		VirtualKeyID     string `json:"virtual_key_id"`
		UserID           string `json:"user_id"`
		RequestID        string `json:"request_id"`
		TraceID          string `json:"trace_id"`
	} `json:"caller"`
	Limits struct {
		MaxRuntimeSec int `json:"max_runtime_sec"`
		MaxMemoryMB   int `json:"max_memory_mb"`
	} `json:"limits"`
	SessionKey string `json:"session_key"`
}

// Handler serves POST /v1/runs: it decodes a GraphRunRequest, starts a run
// via Provider.RunGraph, and streams the resulting RunEvent sequence back
// as newline-delimited JSON, one object per event, in emission order.
type Handler struct {
	provider *Provider
	logger   *zap.Logger
}

// NewHandler constructs a run-trigger Handler for provider.
func NewHandler(provider *Provider, logger *zap.Logger) *Handler {
	return &Handler{provider: provider, logger: logger.With(zap.String("component", "graph_handler"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body runRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}
	if body.GraphID == "" || body.Caller.BillingAccountID == "" {
		http.Error(w, "graph_id and caller.billing_account_id are required", http.StatusBadRequest)
		return
	}

	runID := uuid.NewString()

	// IngressRequestID correlates this run with the upstream caller's own
	// request id: the caller-supplied value if it sent one, otherwise the
	// X-Request-ID this process's RequestID middleware assigned (or
	// forwarded) for the HTTP request itself.
	ingressRequestID := body.Caller.RequestID
	if ingressRequestID == "" {
		ingressRequestID, _ = ctxkeys.TraceID(r.Context())
	}
	rc := coremodel.RunContext{RunID: runID, IngressRequestID: ingressRequestID}
	ctx := ctxkeys.WithRunID(r.Context(), runID)
	ctx = ctxkeys.WithGraphID(ctx, body.GraphID)

	req := coremodel.GraphRunRequest{
		GraphID: body.GraphID,
		Model:   body.Model,
		Input:   body.Input,
		Caller: coremodel.Caller{
			BillingAccountID: body.Caller.BillingAccountID,
			VirtualKeyID:     body.Caller.VirtualKeyID,
			UserID:           body.Caller.UserID,
			RequestID:        body.Caller.RequestID,
			TraceID:          body.Caller.TraceID,
		},
		Limits: coremodel.RunLimits{
			MaxRuntimeSec: body.Limits.MaxRuntimeSec,
			MaxMemoryMB:   body.Limits.MaxMemoryMB,
		},
		SessionKey: body.SessionKey,
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Run-Id", runID)
	flusher, _ := w.(http.Flusher)

	events := h.provider.RunGraph(ctx, rc, req)
	enc := json.NewEncoder(w)
	for event := range events {
		if err := enc.Encode(event); err != nil {
			h.logger.Warn("failed to write run event", zap.Error(err), zap.String("run_id", runID))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
