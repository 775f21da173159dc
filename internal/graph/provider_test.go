package graph

import (
	"context"
	"testing"
	"time"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/coremodel"
	"github.com/cogni-dao/sandboxcore/internal/ephemeral"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newProviderForTest(graphsCfg config.GraphsConfig, proxyMgr proxyAcquirer, runner ephemeralRunner, gw gatewayRunner) *Provider {
	return &Provider{
		logger:   zap.NewNop(),
		registry: NewRegistry(graphsCfg),
		proxyMgr: proxyMgr,
		runner:   runner,
		gw:       gw,
	}
}

type fakeProxy struct {
	instance      *coremodel.ProxyInstance
	acquireErr    error
	releaseCalled bool
	auditEntries  []coremodel.AuditEntry
}

func (f *fakeProxy) Acquire(_ context.Context, runID string, _ coremodel.Caller, _ string) (*coremodel.ProxyInstance, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	if f.instance == nil {
		f.instance = &coremodel.ProxyInstance{RunID: runID}
	}
	return f.instance, nil
}

func (f *fakeProxy) Release(context.Context, string) error {
	f.releaseCalled = true
	return nil
}

func (f *fakeProxy) ReadAuditEntries(string) ([]coremodel.AuditEntry, error) {
	return f.auditEntries, nil
}

type fakeRunner struct {
	result *ephemeral.RunResult
	err    error
}

func (f *fakeRunner) RunOnce(context.Context, ephemeral.RunRequest) (*ephemeral.RunResult, error) {
	return f.result, f.err
}

func drain(t *testing.T, events <-chan coremodel.RunEvent) []coremodel.RunEvent {
	t.Helper()
	var out []coremodel.RunEvent
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for run event stream to close")
		}
	}
}

func ephemeralGraphsConfig() config.GraphsConfig {
	return config.GraphsConfig{
		Routes: []config.GraphRoute{
			{GraphIDPrefix: "sandbox:", Mode: "ephemeral", Image: "agent-image:latest"},
		},
		DefaultMode: "ephemeral",
	}
}

func TestRunGraph_EphemeralHappyPath(t *testing.T) {
	fp := &fakeProxy{
		auditEntries: []coremodel.AuditEntry{{LitellmCallID: "c-1", CostUSD: "0.003"}},
	}
	fr := &fakeRunner{
		result: &ephemeral.RunResult{
			OK: true,
			Envelope: &coremodel.SandboxProgramContract{
				Payloads: []coremodel.SandboxProgramPayload{{Text: "hello"}},
			},
		},
	}
	p := newProviderForTest(ephemeralGraphsConfig(), fp, fr, nil)

	events := p.RunGraph(context.Background(), coremodel.RunContext{RunID: "r1"}, coremodel.GraphRunRequest{
		GraphID: "sandbox:agent",
		Input:   "hi",
	})

	got := drain(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, coremodel.RunEventAccepted, got[0].Type)
	assert.Equal(t, coremodel.RunEventFinal, got[1].Type)
	assert.Equal(t, "hello", got[1].Text)
	assert.Equal(t, coremodel.RunEventUsageReport, got[2].Type)
	assert.Equal(t, "c-1", got[2].LitellmCallID)
	assert.True(t, fp.releaseCalled)
}

func TestRunGraph_ProxyAcquireFailure_EmitsErrorNoFinal(t *testing.T) {
	fp := &fakeProxy{acquireErr: assert.AnError}
	p := newProviderForTest(ephemeralGraphsConfig(), fp, &fakeRunner{}, nil)

	events := p.RunGraph(context.Background(), coremodel.RunContext{RunID: "r1"}, coremodel.GraphRunRequest{GraphID: "sandbox:agent"})

	got := drain(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, coremodel.RunEventAccepted, got[0].Type)
	assert.Equal(t, coremodel.RunEventError, got[1].Type)
}

func TestRunGraph_EphemeralRunnerFailure_StillReleasesProxy(t *testing.T) {
	fp := &fakeProxy{}
	fr := &fakeRunner{err: ephemeral.ErrSandboxStartFailed}
	p := newProviderForTest(ephemeralGraphsConfig(), fp, fr, nil)

	events := p.RunGraph(context.Background(), coremodel.RunContext{RunID: "r1"}, coremodel.GraphRunRequest{GraphID: "sandbox:agent"})

	got := drain(t, events)
	last := got[len(got)-1]
	assert.True(t, last.Type == coremodel.RunEventError || last.Type == coremodel.RunEventUsageReport)
	assert.True(t, fp.releaseCalled)
}

func TestRunGraph_NoImageConfigured(t *testing.T) {
	fp := &fakeProxy{}
	p := newProviderForTest(config.GraphsConfig{DefaultMode: "ephemeral"}, fp, &fakeRunner{}, nil)

	events := p.RunGraph(context.Background(), coremodel.RunContext{RunID: "r1"}, coremodel.GraphRunRequest{GraphID: "unrouted:agent"})

	got := drain(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, coremodel.RunEventError, got[1].Type)
	assert.True(t, fp.releaseCalled)
}
