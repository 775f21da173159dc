package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/coremodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient() *Client {
	return NewClient(config.DefaultGatewayConfig(), zap.NewNop())
}

func TestDeliver_DropsMismatchedRunID(t *testing.T) {
	c := newTestClient()
	ch := make(chan coremodel.GatewayAgentEvent, 1)
	c.sessions["s1"] = &sessionState{runID: "run-a", ch: ch}

	c.deliver(wireFrame{Type: "text_delta", SessionKey: "s1", RunID: "run-b", Text: "leaked"})

	select {
	case <-ch:
		t.Fatal("event from a different run must not be delivered")
	default:
	}
}

func TestDeliver_AcceptsMatchingRunID(t *testing.T) {
	c := newTestClient()
	ch := make(chan coremodel.GatewayAgentEvent, 1)
	c.sessions["s1"] = &sessionState{runID: "run-a", ch: ch}

	c.deliver(wireFrame{Type: "text_delta", SessionKey: "s1", RunID: "run-a", Text: "hello"})

	event := <-ch
	assert.Equal(t, "hello", event.Text)
	assert.Equal(t, coremodel.GatewayEventTextDelta, event.Type)
}

func TestDeliver_UnknownSessionIsIgnored(t *testing.T) {
	c := newTestClient()
	c.deliver(wireFrame{Type: "text_delta", SessionKey: "missing", RunID: "run-a", Text: "x"})
	// no panic, nothing to assert beyond survival
}

func TestDeliver_DropsWhenBufferFull(t *testing.T) {
	c := newTestClient()
	ch := make(chan coremodel.GatewayAgentEvent, 1)
	c.sessions["s1"] = &sessionState{runID: "run-a", ch: ch}

	c.deliver(wireFrame{Type: "text_delta", SessionKey: "s1", RunID: "run-a", Text: "first"})
	c.deliver(wireFrame{Type: "text_delta", SessionKey: "s1", RunID: "run-a", Text: "second"})

	event := <-ch
	assert.Equal(t, "first", event.Text)
	select {
	case <-ch:
		t.Fatal("second event should have been dropped, not queued")
	default:
	}
}

func TestCloseSession_IsIdempotent(t *testing.T) {
	c := newTestClient()
	ch := make(chan coremodel.GatewayAgentEvent, 1)
	c.sessions["s1"] = &sessionState{runID: "run-a", ch: ch}

	c.CloseSession("s1")
	assert.NotPanics(t, func() { c.CloseSession("s1") })

	_, stillOpen := <-ch
	assert.False(t, stillOpen)
}

func TestFailAllSessions_DeliversErrorAndCloses(t *testing.T) {
	c := newTestClient()
	ch := make(chan coremodel.GatewayAgentEvent, 1)
	c.sessions["s1"] = &sessionState{runID: "run-a", ch: ch}

	c.failAllSessions("connection lost")

	event, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, coremodel.GatewayEventChatError, event.Type)
	assert.Equal(t, "connection lost", event.Message)

	_, stillOpen := <-ch
	assert.False(t, stillOpen)

	c.sessMu.Lock()
	assert.Empty(t, c.sessions)
	c.sessMu.Unlock()
}

func TestWriteFrame_ErrorsWhenNotConnected(t *testing.T) {
	c := newTestClient()
	err := c.writeFrame(context.Background(), wireFrame{Type: "configure", SessionKey: "s1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWatchTimeout_EmitsChatErrorAndRemovesSession(t *testing.T) {
	c := newTestClient()
	c.cfg.RunTimeout = 10 * time.Millisecond
	ch := make(chan coremodel.GatewayAgentEvent, 1)
	st := &sessionState{runID: "run-a", ch: ch, stop: make(chan struct{})}
	c.sessions["s1"] = st

	c.watchTimeout("s1", st)

	event, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, coremodel.GatewayEventChatError, event.Type)
	assert.Equal(t, "timeout", event.Message)

	c.sessMu.Lock()
	_, stillPresent := c.sessions["s1"]
	c.sessMu.Unlock()
	assert.False(t, stillPresent)
}

func TestWatchTimeout_StoppedByCloseSessionDoesNothing(t *testing.T) {
	c := newTestClient()
	c.cfg.RunTimeout = time.Hour
	ch := make(chan coremodel.GatewayAgentEvent, 1)
	st := &sessionState{runID: "run-a", ch: ch, stop: make(chan struct{})}
	c.sessions["s1"] = st

	done := make(chan struct{})
	go func() {
		c.watchTimeout("s1", st)
		close(done)
	}()

	c.CloseSession("s1")
	<-done

	_, stillOpen := <-ch
	assert.False(t, stillOpen)
}
