package graph

import (
	"context"
	"errors"

	"github.com/cogni-dao/sandboxcore/internal/coreerr"
	"github.com/cogni-dao/sandboxcore/internal/ephemeral"
	"github.com/cogni-dao/sandboxcore/internal/gateway"
	"github.com/cogni-dao/sandboxcore/internal/proxy"
)

// classifyErr maps an error from any of Provider's collaborators onto a
// stable coreerr.Code, so a terminal error RunEvent always carries a code a
// caller can switch on instead of free-text Go error output. context
// cancellation takes priority over any sentinel wrapped underneath it, since
// a caller-initiated cancel is a distinct outcome from the run itself
// failing.
func classifyErr(err error) coreerr.Code {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return coreerr.Cancelled
	}

	var ce *coreerr.Error
	if errors.As(err, &ce) {
		return ce.Code
	}

	switch {
	case errors.Is(err, proxy.ErrProxyStartFailed):
		return coreerr.ProxyStartFailed
	case errors.Is(err, proxy.ErrDuplicateRun):
		return coreerr.DuplicateRun
	case errors.Is(err, ephemeral.ErrSandboxStartFailed):
		return coreerr.SandboxStartFailed
	case errors.Is(err, ephemeral.ErrSandboxTimeout):
		return coreerr.SandboxTimeout
	case errors.Is(err, ephemeral.ErrSandboxNonzeroExit):
		return coreerr.SandboxNonzeroExit
	case errors.Is(err, ephemeral.ErrInvalidEnvelope):
		return coreerr.InvalidEnvelope
	case errors.Is(err, gateway.ErrGatewayUnavailable), errors.Is(err, gateway.ErrNotConnected):
		return coreerr.GatewayUnavailable
	case errors.Is(err, ErrNoImageConfigured):
		return coreerr.InvalidRequest
	default:
		return coreerr.InternalError
	}
}

// classifyErrorCode maps an ephemeral RunResult.ErrorCode string onto a
// coreerr.Code. Every code RunOnce itself assigns (sandbox_timeout,
// sandbox_nonzero_exit, invalid_envelope) matches a coreerr.Code value
// exactly; an agent-reported envelope.Meta.Error is freeform and passed
// through as-is so a caller still sees the agent's own code, just not one
// this taxonomy defines.
func classifyErrorCode(errorCode string) coreerr.Code {
	return coreerr.Code(errorCode)
}
