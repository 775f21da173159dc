package ephemeral

import "errors"

// Sentinel errors for sandbox lifecycle failures. Callers use errors.Is
// against these to classify a failure without parsing the envelope or
// stderr text.
var (
	// ErrSandboxStartFailed means the container never reached a running state.
	ErrSandboxStartFailed = errors.New("sandbox_start_failed")

	// ErrSandboxTimeout means maxRuntimeSec elapsed before the container
	// exited on its own; it was force-stopped.
	ErrSandboxTimeout = errors.New("sandbox_timeout")

	// ErrSandboxNonzeroExit means the container exited with a non-zero code.
	// RunOnce still returns stdout/stderr; this is not itself fatal to the
	// caller, only a signal the envelope's own error field may be unset.
	ErrSandboxNonzeroExit = errors.New("sandbox_nonzero_exit")

	// ErrInvalidEnvelope means stdout did not parse as a SandboxProgramContract.
	ErrInvalidEnvelope = errors.New("invalid_envelope")
)
