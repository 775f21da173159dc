// Package gateway implements the GatewayClient: a single long-lived
// WebSocket connection to the agent gateway, multiplexed into independent,
// causally-isolated per-run sessions.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/coremodel"
	"github.com/cogni-dao/sandboxcore/internal/tlsutil"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// wireFrame is the JSON envelope exchanged over the physical socket in both
// directions. Only the fields relevant to a given Type are populated.
type wireFrame struct {
	Type       string            `json:"type"`
	SessionKey string            `json:"sessionKey"`
	RunID      string            `json:"runId,omitempty"`
	Text       string            `json:"text,omitempty"`
	Message    string            `json:"message,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Model      string            `json:"model,omitempty"`
}

type sessionState struct {
	runID string
	ch    chan coremodel.GatewayAgentEvent
	stop  chan struct{}
}

// Client owns the single physical WebSocket connection and demuxes it into
// per-sessionKey event channels. A frame whose runId does not match the
// session's registered runId is dropped, never delivered — this is what
// keeps one run's events from leaking into another's channel after a
// reconnect reuses a sessionKey.
type Client struct {
	cfg    config.GatewayConfig
	logger *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	sessMu   sync.Mutex
	sessions map[string]*sessionState

	closed chan struct{}
}

// NewClient constructs a Client. Call Connect before RunAgent.
func NewClient(cfg config.GatewayConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "gateway_client")),
		sessions: make(map[string]*sessionState),
		closed:   make(chan struct{}),
	}
}

// Connect dials the gateway once and starts the background read loop. A
// failed dial is returned wrapped in ErrGatewayUnavailable; Connect does not
// retry it.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop()
	return nil
}

// dial opens one WebSocket connection. Each call builds its own HTTP client
// whose Transport carries tlsutil's hardened TLS config (TLS 1.2+,
// AEAD-only cipher suites) for the wss:// handshake; Timeout is left at zero
// since the client is handed off to a long-lived connection once the
// handshake completes, not reused for bounded request/response calls.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	httpClient := &http.Client{Transport: tlsutil.SecureTransport()}
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient: httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Close terminates the physical connection and fails every open session
// with a chat_error event.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}

	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()

	c.failAllSessions("gateway client closed")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

// ConfigureSession sends a one-time configuration frame — routing headers
// and an optional model override — before the first run on that session.
func (c *Client) ConfigureSession(ctx context.Context, session coremodel.GatewaySession) error {
	return c.writeFrame(ctx, wireFrame{
		Type:       "configure",
		SessionKey: session.SessionKey,
		Headers:    session.OutboundHeaders,
		Model:      session.ModelOverride,
	})
}

// RunAgent starts a run on session.SessionKey and returns the channel of
// GatewayAgentEvent the caller should drain until it observes chat_final or
// chat_error, then pass to CloseSession.
func (c *Client) RunAgent(ctx context.Context, rc coremodel.RunContext, session coremodel.GatewaySession, input string) (<-chan coremodel.GatewayAgentEvent, error) {
	c.sessMu.Lock()
	if _, exists := c.sessions[session.SessionKey]; exists {
		c.sessMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, session.SessionKey)
	}
	st := &sessionState{
		runID: rc.RunID,
		ch:    make(chan coremodel.GatewayAgentEvent, c.cfg.SessionBufferSize),
		stop:  make(chan struct{}),
	}
	c.sessions[session.SessionKey] = st
	c.sessMu.Unlock()

	if err := c.writeFrame(ctx, wireFrame{
		Type:       "run",
		SessionKey: session.SessionKey,
		RunID:      rc.RunID,
		Text:       input,
	}); err != nil {
		c.CloseSession(session.SessionKey)
		return nil, err
	}

	if c.cfg.RunTimeout > 0 {
		go c.watchTimeout(session.SessionKey, st)
	}

	return st.ch, nil
}

// watchTimeout emits chat_error{message:"timeout"} and closes this logical
// run's stream if no terminal event arrives within cfg.RunTimeout. It never
// tears down the shared connection, only the one session.
func (c *Client) watchTimeout(sessionKey string, st *sessionState) {
	select {
	case <-st.stop:
		return
	case <-time.After(c.cfg.RunTimeout):
	}

	c.sessMu.Lock()
	current, ok := c.sessions[sessionKey]
	if !ok || current != st {
		c.sessMu.Unlock()
		return
	}
	delete(c.sessions, sessionKey)
	c.sessMu.Unlock()

	select {
	case st.ch <- coremodel.GatewayAgentEvent{
		Type:       coremodel.GatewayEventChatError,
		SessionKey: sessionKey,
		RunID:      st.runID,
		Message:    "timeout",
	}:
	default:
	}
	close(st.ch)
}

// CloseSession unregisters sessionKey, closing its event channel. Safe to
// call more than once.
func (c *Client) CloseSession(sessionKey string) {
	c.sessMu.Lock()
	st, ok := c.sessions[sessionKey]
	if ok {
		delete(c.sessions, sessionKey)
	}
	c.sessMu.Unlock()
	if ok {
		if st.stop != nil {
			close(st.stop)
		}
		close(st.ch)
	}
}

func (c *Client) writeFrame(ctx context.Context, frame wireFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// readLoop owns the physical connection's read side for its lifetime. On a
// read error it fails every open session (per-run isolation means a
// disconnect cannot be silently resumed into the wrong run) and attempts to
// reconnect with exponential backoff; on success this same loop goes on
// reading from the new connection.
func (c *Client) readLoop() {
	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.logger.Warn("gateway read failed, reconnecting", zap.Error(err))
			c.failAllSessions("gateway connection lost")
			if !c.reconnectLoop() {
				return
			}
			continue
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed gateway frame", zap.Error(err))
			continue
		}
		c.deliver(frame)
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn
}

func (c *Client) deliver(frame wireFrame) {
	c.sessMu.Lock()
	st, ok := c.sessions[frame.SessionKey]
	c.sessMu.Unlock()
	if !ok {
		return
	}
	if frame.RunID != "" && frame.RunID != st.runID {
		c.logger.Warn("dropping frame with mismatched run id",
			zap.String("session_key", frame.SessionKey),
			zap.String("expected_run_id", st.runID),
			zap.String("frame_run_id", frame.RunID))
		return
	}

	event := coremodel.GatewayAgentEvent{
		Type:       coremodel.GatewayAgentEventType(frame.Type),
		SessionKey: frame.SessionKey,
		RunID:      frame.RunID,
		Text:       frame.Text,
		Message:    frame.Message,
	}
	select {
	case st.ch <- event:
	default:
		c.logger.Warn("session buffer full, dropping event", zap.String("session_key", frame.SessionKey))
	}
}

// reconnectLoop redials with exponential backoff bounded by
// cfg.ReconnectMaxDelay. Returns false if Close was called meanwhile.
func (c *Client) reconnectLoop() bool {
	delay := c.cfg.ReconnectMinDelay
	for {
		select {
		case <-c.closed:
			return false
		case <-time.After(delay):
		}

		conn, err := c.dial(context.Background())
		if err == nil {
			c.writeMu.Lock()
			c.conn = conn
			c.writeMu.Unlock()
			return true
		}

		c.logger.Warn("gateway reconnect attempt failed", zap.Error(err), zap.Duration("retry_in", delay))
		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

func (c *Client) failAllSessions(reason string) {
	c.sessMu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*sessionState)
	c.sessMu.Unlock()

	for key, st := range sessions {
		select {
		case st.ch <- coremodel.GatewayAgentEvent{
			Type:       coremodel.GatewayEventChatError,
			SessionKey: key,
			RunID:      st.runID,
			Message:    reason,
		}:
		default:
		}
		close(st.ch)
	}
}
