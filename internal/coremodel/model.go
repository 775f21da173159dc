// Package coremodel holds the data types shared by every component of the
// sandboxed agent execution core: RunContext, Caller, ProxyInstance,
// SandboxProgramContract, GatewaySession/GatewayAgentEvent, ChargeReceipt/
// LlmChargeDetails, and the outbound RunEvent stream.
package coremodel

import (
	"encoding/json"
	"time"
)

// RunContext identifies one agent execution. Created once at provider entry,
// immutable afterward, and threaded through every subsystem.
type RunContext struct {
	RunID            string
	Attempt          int
	IngressRequestID string
}

// Caller is the resolved tenant identity for a run. The core never trusts a
// client-supplied billing identifier — every field here comes from a prior
// authentication step performed outside the core.
type Caller struct {
	BillingAccountID string
	VirtualKeyID     string
	UserID           string
	RequestID        string
	TraceID          string
}

// ProxyState is the lifecycle state of a ProxyInstance.
type ProxyState string

const (
	ProxyStateCreated ProxyState = "created"
	ProxyStateRunning ProxyState = "running"
	ProxyStateStopped ProxyState = "stopped"
	ProxyStateRemoved ProxyState = "removed"
)

// ProxyInstance is a running per-run authenticating HTTP proxy. At most one
// instance may be live for a given RunID at any time.
type ProxyInstance struct {
	RunID           string
	UnixSocketPath  string
	UpstreamLLMURL  string
	MasterKey       string // secret, never persisted
	InjectedHeaders map[string]string
	ContainerID     string
	AuditLogPath    string
	State           ProxyState
	CreatedAt       time.Time
}

// InjectedBillingHeaders builds the full always-injected header set for a
// run, shared verbatim by both the ephemeral proxy container and the
// gateway's outbound session config so the two paths cannot drift: the
// caller's billing account id, the spend-logs metadata LiteLLM correlates
// back to this run, and x-cogni-run-id.
func InjectedBillingHeaders(caller Caller, rc RunContext, graphID string) map[string]string {
	return map[string]string{
		"x-litellm-end-user-id":         caller.BillingAccountID,
		"x-litellm-spend-logs-metadata": spendLogsMetadata(rc.RunID, graphID),
		"x-cogni-run-id":                rc.RunID,
	}
}

func spendLogsMetadata(runID, graphID string) string {
	data, err := json.Marshal(struct {
		RunID   string `json:"run_id"`
		GraphID string `json:"graph_id"`
	}{RunID: runID, GraphID: graphID})
	if err != nil {
		return `{}`
	}
	return string(data)
}

// AuditEntry is one parsed line of a ProxyInstance's audit log: the
// litellmCallId and cost the proxy observed on an upstream LLM response.
type AuditEntry struct {
	LitellmCallID string    `json:"litellmCallId"`
	CostUSD       string    `json:"costUsd"`
	Timestamp     time.Time `json:"timestamp"`
}

// SandboxProgramPayload is one entry in a SandboxProgramContract.Payloads
// array.
type SandboxProgramPayload struct {
	Text string `json:"text"`
}

// SandboxProgramMeta carries the agent program's self-reported outcome.
type SandboxProgramMeta struct {
	Error      *string `json:"error"`
	DurationMs int64   `json:"durationMs"`
}

// SandboxProgramContract is the JSON envelope an ephemeral agent writes to
// its standard output. The runner parses it after the container exits;
// for malformed output the runner leaves the envelope nil and reports
// RunResult.ErrorCode = "invalid_envelope".
type SandboxProgramContract struct {
	Payloads []SandboxProgramPayload `json:"payloads"`
	Meta     SandboxProgramMeta      `json:"meta"`
}

// GatewaySession is one logical conversation multiplexed over a gateway's
// single physical WebSocket connection.
type GatewaySession struct {
	SessionKey      string
	OutboundHeaders map[string]string
	ModelOverride   string
}

// GatewayAgentEventType tags a GatewayAgentEvent.
type GatewayAgentEventType string

const (
	GatewayEventAccepted   GatewayAgentEventType = "accepted"
	GatewayEventTextDelta  GatewayAgentEventType = "text_delta"
	GatewayEventChatFinal  GatewayAgentEventType = "chat_final"
	GatewayEventChatError  GatewayAgentEventType = "chat_error"
)

// GatewayAgentEvent is one frame of the strictly-ordered, per-session event
// stream the GatewayClient produces after demuxing the physical socket.
type GatewayAgentEvent struct {
	Type       GatewayAgentEventType
	SessionKey string
	RunID      string
	Text       string
	Message    string
}

// ChargeReceipt is one row per billable LLM call. At-most-one receipt exists
// per (BillingAccountID, SourceReference) — enforced by a unique index, not
// application logic, so retried ingest deliveries are idempotent even across
// process restarts.
type ChargeReceipt struct {
	ID               int64
	RunID            string
	Attempt          int
	BillingAccountID string
	SourceSystem     string
	SourceReference  string
	LitellmCallID    string
	ResponseCostUSD  string // decimal string; parsed with shopspring/decimal
	ChargedCredits   int64
	ChargeReason     string
	CreatedAt        time.Time
}

// SourceReference builds the composite idempotency key for a ChargeReceipt.
func SourceReference(runID string, attempt int, litellmCallID string) string {
	return runID + "/" + itoa(attempt) + "/" + litellmCallID
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// LlmChargeDetails is the one-to-one sibling row to a ChargeReceipt, carrying
// the usage detail LiteLLM reported for the call.
type LlmChargeDetails struct {
	ID              int64
	ChargeReceiptID int64
	Model           string
	Provider        string
	TokensIn        int
	TokensOut       int
	LatencyMs       int
	GraphID         string
	ProviderCallID  string
}

// RunEventType tags a RunEvent.
type RunEventType string

const (
	RunEventAccepted    RunEventType = "accepted"
	RunEventTextDelta   RunEventType = "text_delta"
	RunEventFinal       RunEventType = "final"
	RunEventUsageReport RunEventType = "usage_report"
	RunEventError       RunEventType = "error"
)

// RunEvent is one frame of the outbound stream GraphProvider produces for a
// run's caller. usage_report may arrive after final — authoritative cost
// comes from the upstream LLM's asynchronous billing callback, not from
// anything observable before the run completes.
type RunEvent struct {
	Type RunEventType
	Text string

	// Message is free-text detail, safe to log or display but not to
	// branch on. Code is the stable, machine-readable classification of an
	// error event; a consumer should switch on Code, never parse Message.
	Message string
	Code    string

	// usage_report fields, populated when cost data is available.
	LitellmCallID string
	CostUSD       string
	Model         string
	GraphID       string
}

// RunLimits bounds one run's resource consumption. Zero fields mean "use
// the component's configured default".
type RunLimits struct {
	MaxRuntimeSec int
	MaxMemoryMB   int
}

// GraphRunRequest is the inbound request GraphProvider accepts to start a run.
type GraphRunRequest struct {
	GraphID string
	Model   string
	Caller  Caller
	Input   string
	Limits  RunLimits
	// SessionKey identifies the logical session a gateway-mode run
	// multiplexes onto; unused in ephemeral mode.
	SessionKey string
}
