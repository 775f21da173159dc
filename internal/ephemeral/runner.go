// Package ephemeral implements the EphemeralRunner: one-shot, locked-down
// container execution of a single agent turn, with a bounded wall-clock
// budget and a minimal, explicitly-enumerated container environment.
package ephemeral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/coremodel"

	"go.uber.org/zap"
)

const roleLabelValue = "sandboxcore-run"

// RunRequest is one invocation of RunOnce.
type RunRequest struct {
	RunContext coremodel.RunContext
	Caller     coremodel.Caller
	GraphID    string

	// Image is caller-specified; the runner never picks one on the caller's
	// behalf.
	Image string
	Input string

	// EnvVars is the explicitly-enumerated user environment. Nothing else
	// reaches the container besides these, SANDBOXCORE_INPUT_PATH and, when
	// Proxy is set, SANDBOXCORE_PROXY_SOCKET and OPENAI_API_BASE — in
	// particular, Proxy.MasterKey is never placed here.
	EnvVars map[string]string

	// Proxy, when set, bridges the container to the run's ProxyManager
	// instance over a mounted unix socket. Nil means no outbound LLM access.
	Proxy *coremodel.ProxyInstance

	// NetworkMode is "none" (default, no network namespace) or "internal"
	// (attached to cfg.InternalNetworkName). Either way the proxy socket, if
	// present, reaches the container as a bind-mounted file, independent of
	// the network flag.
	NetworkMode string

	MaxRuntime  time.Duration
	MaxMemoryMB int
}

// RunResult is the outcome of one RunOnce call.
type RunResult struct {
	OK       bool
	ExitCode int
	Stdout   string
	Stderr   string
	Envelope *coremodel.SandboxProgramContract

	// ErrorCode is set whenever OK is false: one of the sentinel error
	// strings in errors.go, or the agent's own Meta.Error when the envelope
	// parsed, the exit code was 0 and Meta.Error is non-empty.
	ErrorCode string
}

// Runner executes ephemeral agent containers.
type Runner struct {
	cfg    config.EphemeralConfig
	logger *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(cfg config.EphemeralConfig, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ephemeral_runner")),
	}
}

// RunOnce runs req.Image to completion (or until its budget expires) and
// parses its stdout as a SandboxProgramContract. The container and its
// workspace are always cleaned up before RunOnce returns, on every exit path.
func (r *Runner) RunOnce(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Image == "" {
		return nil, fmt.Errorf("%w: image is required", ErrSandboxStartFailed)
	}

	maxRuntime := req.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = r.cfg.DefaultMaxRuntime
	}
	maxMemoryMB := req.MaxMemoryMB
	if maxMemoryMB <= 0 {
		maxMemoryMB = r.cfg.DefaultMaxMemoryMB
	}

	workspaceDir := filepath.Join(r.cfg.WorkspaceRootDir, req.RunContext.RunID)
	if err := os.MkdirAll(workspaceDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create workspace dir: %v", ErrSandboxStartFailed, err)
	}
	defer os.RemoveAll(workspaceDir)

	inputPath := filepath.Join(workspaceDir, "input.json")
	inputJSON, err := json.Marshal(coremodel.SandboxProgramPayload{Text: req.Input})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal input: %v", ErrSandboxStartFailed, err)
	}
	if err := os.WriteFile(inputPath, inputJSON, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write input: %v", ErrSandboxStartFailed, err)
	}

	containerName := "sandboxcore-run-" + req.RunContext.RunID
	args := r.buildArgs(containerName, workspaceDir, maxMemoryMB, req)

	runCmd := exec.CommandContext(ctx, "docker", args...)
	out, err := runCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: docker run: %v", ErrSandboxStartFailed, err)
	}
	containerID := firstLine(string(out))
	defer r.forceRemove(containerID)

	waitCtx, cancel := context.WithTimeout(ctx, maxRuntime)
	defer cancel()

	exitCode, timedOut, err := r.wait(waitCtx, containerID)
	if err != nil {
		return nil, fmt.Errorf("%w: docker wait: %v", ErrSandboxStartFailed, err)
	}

	stdout, stderr := r.collectLogs(containerID)

	if timedOut {
		r.forceStop(containerID)
		return &RunResult{
			OK:        false,
			ExitCode:  -1,
			Stdout:    stdout,
			Stderr:    stderr,
			ErrorCode: ErrSandboxTimeout.Error(),
		}, nil
	}

	result := &RunResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}

	var envelope coremodel.SandboxProgramContract
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &envelope); err != nil {
		result.OK = false
		result.ErrorCode = ErrInvalidEnvelope.Error()
		return result, nil
	}
	result.Envelope = &envelope

	if exitCode != 0 {
		result.OK = false
		result.ErrorCode = ErrSandboxNonzeroExit.Error()
		return result, nil
	}
	if envelope.Meta.Error != nil && *envelope.Meta.Error != "" {
		result.OK = false
		result.ErrorCode = *envelope.Meta.Error
		return result, nil
	}

	result.OK = true
	return result, nil
}

func (r *Runner) buildArgs(containerName, workspaceDir string, maxMemoryMB int, req RunRequest) []string {
	args := []string{
		"run", "-d", "--rm",
		"--name", containerName,
		"--label", "sandboxcore.role=" + roleLabelValue,
		"--label", "sandboxcore.run_id=" + req.RunContext.RunID,
		"--memory", fmt.Sprintf("%dm", maxMemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", maxMemoryMB),
		"--pids-limit", "256",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--read-only",
		"-v", workspaceDir + ":/workspace",
		"-w", "/workspace",
		"-e", "SANDBOXCORE_INPUT_PATH=/workspace/input.json",
	}

	switch req.NetworkMode {
	case "internal":
		args = append(args, "--network", r.cfg.InternalNetworkName)
	default:
		args = append(args, "--network", "none")
	}

	if req.Proxy != nil {
		socketDir := filepath.Dir(req.Proxy.UnixSocketPath)
		args = append(args,
			"-v", socketDir+":/sandboxcore/proxy",
			"-e", "SANDBOXCORE_PROXY_SOCKET=/sandboxcore/proxy/proxy.sock",
			"-e", "OPENAI_API_BASE=http://127.0.0.1:8080/v1",
		)
	}

	for k, v := range req.EnvVars {
		args = append(args, "-e", k+"="+v)
	}

	args = append(args, req.Image)
	return args
}

// wait blocks on `docker wait` until the container exits or ctx's deadline
// passes. The bool return reports a timeout, distinguished from a docker CLI
// failure (returned as err).
func (r *Runner) wait(ctx context.Context, containerID string) (exitCode int, timedOut bool, err error) {
	cmd := exec.CommandContext(ctx, "docker", "wait", containerID)
	out, runErr := cmd.Output()
	if runErr != nil {
		if ctx.Err() != nil {
			return -1, true, nil
		}
		return -1, false, runErr
	}
	code, parseErr := strconv.Atoi(strings.TrimSpace(string(out)))
	if parseErr != nil {
		return -1, false, fmt.Errorf("parse exit code %q: %w", out, parseErr)
	}
	return code, false, nil
}

func (r *Runner) collectLogs(containerID string) (stdout, stderr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "logs", containerID)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		r.logger.Warn("docker logs failed", zap.String("container_id", containerID), zap.Error(err))
	}
	return outBuf.String(), errBuf.String()
}

func (r *Runner) forceStop(containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.KillGracePeriod+5*time.Second)
	defer cancel()

	grace := int(r.cfg.KillGracePeriod.Seconds())
	cmd := exec.CommandContext(ctx, "docker", "stop", "-t", strconv.Itoa(grace), containerID)
	if err := cmd.Run(); err != nil {
		r.logger.Warn("docker stop failed", zap.String("container_id", containerID), zap.Error(err))
	}
}

func (r *Runner) forceRemove(containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", containerID)
	if err := cmd.Run(); err != nil {
		r.logger.Debug("docker rm failed (container may already be gone)", zap.String("container_id", containerID), zap.Error(err))
	}
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
