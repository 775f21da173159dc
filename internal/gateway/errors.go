package gateway

import "errors"

var (
	// ErrNotConnected means RunAgent/ConfigureSession was called before
	// Connect succeeded, or after the connection was permanently closed.
	ErrNotConnected = errors.New("gateway_not_connected")

	// ErrDuplicateSession means RunAgent was called twice for the same
	// sessionKey while the first call's session is still open.
	ErrDuplicateSession = errors.New("duplicate_session")

	// ErrSessionNotFound means a frame or CloseSession referenced a
	// sessionKey the client has no record of.
	ErrSessionNotFound = errors.New("session_not_found")

	// ErrGatewayUnavailable means Connect's dial failed. The background
	// reconnect loop does not return it; it keeps retrying until Close.
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
)
