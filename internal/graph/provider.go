// Package graph implements the GraphProvider: the entry point that
// orchestrates ProxyManager, EphemeralRunner, and GatewayClient into one
// outbound RunEvent stream per run.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/coremodel"
	"github.com/cogni-dao/sandboxcore/internal/ephemeral"
	"github.com/cogni-dao/sandboxcore/internal/gateway"
	"github.com/cogni-dao/sandboxcore/internal/proxy"

	"go.uber.org/zap"
)

// proxyAcquirer is the slice of proxy.Manager's API the provider depends on.
// Narrowed to an interface so orchestration logic is testable without a
// Docker daemon.
type proxyAcquirer interface {
	Acquire(ctx context.Context, runID string, caller coremodel.Caller, graphID string) (*coremodel.ProxyInstance, error)
	Release(ctx context.Context, runID string) error
	ReadAuditEntries(runID string) ([]coremodel.AuditEntry, error)
}

// ephemeralRunner is the slice of ephemeral.Runner's API the provider depends on.
type ephemeralRunner interface {
	RunOnce(ctx context.Context, req ephemeral.RunRequest) (*ephemeral.RunResult, error)
}

// gatewayRunner is the slice of gateway.Client's API the provider depends on.
type gatewayRunner interface {
	ConfigureSession(ctx context.Context, session coremodel.GatewaySession) error
	RunAgent(ctx context.Context, rc coremodel.RunContext, session coremodel.GatewaySession, input string) (<-chan coremodel.GatewayAgentEvent, error)
	CloseSession(sessionKey string)
}

// Provider is the GraphProvider.
type Provider struct {
	cfg      config.EphemeralConfig
	logger   *zap.Logger
	registry *Registry
	proxyMgr proxyAcquirer
	runner   ephemeralRunner
	gw       gatewayRunner
}

// NewProvider constructs a Provider. gw may be nil if no graph routes to
// gateway mode.
func NewProvider(cfg config.EphemeralConfig, graphsCfg config.GraphsConfig, logger *zap.Logger, proxyMgr *proxy.Manager, runner *ephemeral.Runner, gw *gateway.Client) *Provider {
	p := &Provider{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "graph_provider")),
		registry: NewRegistry(graphsCfg),
		proxyMgr: proxyMgr,
		runner:   runner,
	}
	// Avoid the typed-nil-interface trap: only assign gw when the caller
	// actually passed one, so p.gw == nil stays a valid "no gateway
	// configured" check in runGateway.
	if gw != nil {
		p.gw = gw
	}
	return p
}

// RunGraph starts a run and returns its RunEvent stream. The stream is
// closed after exactly one of {final, error} has been emitted and any
// trailing usage_report events have been sent. The returned channel is
// always drained to completion by the caller; cancelling ctx cancels the
// underlying runner/gateway call but teardown (proxy release) always runs.
func (p *Provider) RunGraph(ctx context.Context, rc coremodel.RunContext, req coremodel.GraphRunRequest) <-chan coremodel.RunEvent {
	events := make(chan coremodel.RunEvent, 16)

	go func() {
		defer close(events)

		events <- coremodel.RunEvent{Type: coremodel.RunEventAccepted}

		proxyInst, err := p.proxyMgr.Acquire(ctx, rc.RunID, req.Caller, req.GraphID)
		if err != nil {
			events <- coremodel.RunEvent{Type: coremodel.RunEventError, Message: err.Error(), Code: string(classifyErr(err))}
			return
		}
		defer func() {
			// Release must run on every exit path (invariant 9), even when
			// ctx is already cancelled.
			if relErr := p.proxyMgr.Release(context.Background(), rc.RunID); relErr != nil {
				p.logger.Warn("proxy release failed", zap.String("run_id", rc.RunID), zap.Error(relErr))
			}
		}()

		mode, image := p.registry.Resolve(req.GraphID)

		var terminalErr error
		switch mode {
		case ModeGateway:
			terminalErr = p.runGateway(ctx, rc, req, proxyInst, events)
		default:
			terminalErr = p.runEphemeral(ctx, rc, req, image, proxyInst, events)
		}

		entries, err := p.proxyMgr.ReadAuditEntries(rc.RunID)
		if err != nil {
			p.logger.Warn("read audit entries failed", zap.String("run_id", rc.RunID), zap.Error(err))
		}
		for _, e := range entries {
			events <- coremodel.RunEvent{
				Type:          coremodel.RunEventUsageReport,
				LitellmCallID: e.LitellmCallID,
				CostUSD:       e.CostUSD,
				GraphID:       req.GraphID,
			}
		}

		if terminalErr != nil {
			p.logger.Debug("run ended with error", zap.String("run_id", rc.RunID), zap.Error(terminalErr))
		}
	}()

	return events
}

func (p *Provider) runEphemeral(ctx context.Context, rc coremodel.RunContext, req coremodel.GraphRunRequest, image string, proxyInst *coremodel.ProxyInstance, events chan<- coremodel.RunEvent) error {
	if image == "" {
		err := fmt.Errorf("%w: %s", ErrNoImageConfigured, req.GraphID)
		events <- coremodel.RunEvent{Type: coremodel.RunEventError, Message: err.Error(), Code: string(classifyErr(err))}
		return err
	}

	result, err := p.runner.RunOnce(ctx, ephemeral.RunRequest{
		RunContext:  rc,
		Caller:      req.Caller,
		GraphID:     req.GraphID,
		Image:       image,
		Input:       req.Input,
		Proxy:       proxyInst,
		MaxRuntime:  time.Duration(req.Limits.MaxRuntimeSec) * time.Second,
		MaxMemoryMB: req.Limits.MaxMemoryMB,
	})
	if err != nil {
		events <- coremodel.RunEvent{Type: coremodel.RunEventError, Message: err.Error(), Code: string(classifyErr(err))}
		return err
	}

	if !result.OK {
		events <- coremodel.RunEvent{Type: coremodel.RunEventError, Message: result.ErrorCode, Code: string(classifyErrorCode(result.ErrorCode))}
		return fmt.Errorf("%s", result.ErrorCode)
	}

	var text strings.Builder
	if result.Envelope != nil {
		for _, payload := range result.Envelope.Payloads {
			text.WriteString(payload.Text)
		}
	}
	events <- coremodel.RunEvent{Type: coremodel.RunEventFinal, Text: text.String()}
	return nil
}

func (p *Provider) runGateway(ctx context.Context, rc coremodel.RunContext, req coremodel.GraphRunRequest, proxyInst *coremodel.ProxyInstance, events chan<- coremodel.RunEvent) error {
	if p.gw == nil {
		err := fmt.Errorf("%w: gateway client not configured", gateway.ErrNotConnected)
		events <- coremodel.RunEvent{Type: coremodel.RunEventError, Message: err.Error(), Code: string(classifyErr(err))}
		return err
	}

	session := coremodel.GatewaySession{
		SessionKey:      req.SessionKey,
		OutboundHeaders: coremodel.InjectedBillingHeaders(req.Caller, rc, req.GraphID),
		ModelOverride:   req.Model,
	}
	if err := p.gw.ConfigureSession(ctx, session); err != nil {
		events <- coremodel.RunEvent{Type: coremodel.RunEventError, Message: err.Error(), Code: string(classifyErr(err))}
		return err
	}

	agentEvents, err := p.gw.RunAgent(ctx, rc, session, req.Input)
	if err != nil {
		events <- coremodel.RunEvent{Type: coremodel.RunEventError, Message: err.Error(), Code: string(classifyErr(err))}
		return err
	}
	defer p.gw.CloseSession(session.SessionKey)

	for ev := range agentEvents {
		switch ev.Type {
		case coremodel.GatewayEventAccepted:
			// Provider already emitted its own accepted; don't double it.
			continue
		case coremodel.GatewayEventTextDelta:
			events <- coremodel.RunEvent{Type: coremodel.RunEventTextDelta, Text: ev.Text}
		case coremodel.GatewayEventChatFinal:
			events <- coremodel.RunEvent{Type: coremodel.RunEventFinal, Text: ev.Text}
			return nil
		case coremodel.GatewayEventChatError:
			err := fmt.Errorf("gateway chat_error: %s", ev.Message)
			events <- coremodel.RunEvent{Type: coremodel.RunEventError, Message: ev.Message, Code: string(classifyErr(err))}
			return err
		}
	}

	err = fmt.Errorf("gateway session closed before a terminal event")
	events <- coremodel.RunEvent{Type: coremodel.RunEventError, Message: err.Error(), Code: string(classifyErr(err))}
	return err
}
