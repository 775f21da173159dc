// Package proxy implements the ProxyManager: per-run authenticating HTTP
// proxies bound to a unix socket, one container per run, with an
// append-only audit log the GraphProvider reads back for billing events.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/cache"
	"github.com/cogni-dao/sandboxcore/internal/coremodel"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/sync/singleflight"
)

const ownerLabelValue = "sandboxcore-proxy"

// Manager owns the set of live per-run authenticating proxies. Acquire is
// coalesced per runId via singleflight so concurrent callers racing for the
// same run share one container instead of racing docker run.
type Manager struct {
	cfg    config.ProxyConfig
	logger *zap.Logger

	mu   sync.Mutex
	live map[string]*coremodel.ProxyInstance

	group singleflight.Group

	// mirror optionally replicates the live set to Redis so a second
	// process (or the same process after a crash) can tell which runIds
	// are still owned without relying on in-memory state alone.
	mirror *cache.Manager

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewManager constructs a Manager. mirror may be nil; when set, every
// Acquire/Release also updates the distributed live-set mirror.
func NewManager(cfg config.ProxyConfig, logger *zap.Logger, mirror *cache.Manager) *Manager {
	m := &Manager{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "proxy_manager")),
		live:      make(map[string]*coremodel.ProxyInstance),
		mirror:    mirror,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	return m
}

// StartSweeper runs Sweep once immediately, then on cfg.SweepInterval until
// Close is called, following the same background-ticker pattern used by
// internal/database and internal/cache.
func (m *Manager) StartSweeper(ctx context.Context) {
	if err := m.Sweep(ctx); err != nil {
		m.logger.Warn("initial sweep failed", zap.Error(err))
	}
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopSweep:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Sweep(ctx); err != nil {
					m.logger.Warn("periodic sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close stops the sweeper goroutine, if running.
func (m *Manager) Close() {
	select {
	case <-m.stopSweep:
	default:
		close(m.stopSweep)
	}
}

// Acquire allocates a ProxyInstance for runId, idempotently. A second
// Acquire for a runId already live is coalesced onto the first call's
// result rather than failing fast — chosen because the ephemeral and
// gateway paths both call Acquire and a crash-retry should not require the
// caller to distinguish "already starting" from "start again".
func (m *Manager) Acquire(ctx context.Context, runID string, caller coremodel.Caller, graphID string) (*coremodel.ProxyInstance, error) {
	v, err, _ := m.group.Do(runID, func() (any, error) {
		m.mu.Lock()
		if existing, ok := m.live[runID]; ok {
			m.mu.Unlock()
			return existing, nil
		}
		m.mu.Unlock()

		instance, startErr := m.start(ctx, runID, caller, graphID)
		if startErr != nil {
			return nil, startErr
		}

		m.mu.Lock()
		m.live[runID] = instance
		m.mu.Unlock()

		if m.mirror != nil {
			if mirrErr := m.mirror.SetJSON(ctx, mirrorKey(runID), instance, 0); mirrErr != nil {
				m.logger.Warn("failed to mirror proxy instance", zap.String("run_id", runID), zap.Error(mirrErr))
			}
		}

		return instance, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*coremodel.ProxyInstance), nil
}

func (m *Manager) start(ctx context.Context, runID string, caller coremodel.Caller, graphID string) (*coremodel.ProxyInstance, error) {
	socketDir := filepath.Join(m.cfg.SocketRootDir, runID)
	if err := os.MkdirAll(socketDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create socket dir: %v", ErrProxyStartFailed, err)
	}
	socketPath := filepath.Join(socketDir, "proxy.sock")
	auditLogPath := filepath.Join(socketDir, "audit.log")

	if _, err := os.Create(auditLogPath); err != nil {
		return nil, fmt.Errorf("%w: create audit log: %v", ErrProxyStartFailed, err)
	}

	headers := coremodel.InjectedBillingHeaders(caller, coremodel.RunContext{RunID: runID}, graphID)
	for name, value := range headers {
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("%w: injected header %q is not a valid HTTP header", ErrProxyStartFailed, name)
		}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal headers: %v", ErrProxyStartFailed, err)
	}

	containerName := "sandboxcore-proxy-" + runID
	args := []string{
		"run", "-d", "--rm",
		"--name", containerName,
		"--label", "owner=" + m.cfg.OwnerLabel,
		"--label", "sandboxcore.role=" + ownerLabelValue,
		"--label", "sandboxcore.run_id=" + runID,
		"-v", socketDir + ":/sockets",
		"-e", "UPSTREAM_LLM_URL=" + m.cfg.UpstreamLLMURL,
		"-e", "MASTER_KEY=" + m.cfg.MasterKey,
		"-e", "INJECTED_HEADERS=" + string(headersJSON),
		"-e", "SOCKET_PATH=/sockets/proxy.sock",
		"-e", "AUDIT_LOG_PATH=/sockets/audit.log",
		m.cfg.Image,
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: docker run: %v", ErrProxyStartFailed, err)
	}
	containerID := firstLine(string(out))

	instance := &coremodel.ProxyInstance{
		RunID:           runID,
		UnixSocketPath:  socketPath,
		UpstreamLLMURL:  m.cfg.UpstreamLLMURL,
		MasterKey:       m.cfg.MasterKey,
		InjectedHeaders: headers,
		ContainerID:     containerID,
		AuditLogPath:    auditLogPath,
		State:           coremodel.ProxyStateCreated,
		CreatedAt:       time.Now(),
	}

	if err := m.waitHealthy(ctx, socketPath); err != nil {
		m.forceRemove(containerID)
		return nil, fmt.Errorf("%w: %v", ErrProxyStartFailed, err)
	}
	instance.State = coremodel.ProxyStateRunning

	return instance, nil
}

// waitHealthy polls /health on the proxy's unix socket until it returns 200
// or cfg.HealthTimeout elapses.
func (m *Manager) waitHealthy(ctx context.Context, socketPath string) error {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}

	deadline := time.Now().Add(m.cfg.HealthTimeout)
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/health", nil)
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("health probe did not return 200 within %s", m.cfg.HealthTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Release drops the runId from the live set (and the mirror), force-removes
// the proxy container, and deletes the run's socket directory, which holds
// the socket and the audit log. The core holds no audit-log writer of its
// own, so there is nothing for it to flush. Idempotent
// and must run even when Acquire partially failed, so callers always defer
// Release once they have a runId, regardless of whether Acquire returned a
// usable instance.
func (m *Manager) Release(ctx context.Context, runID string) error {
	m.mu.Lock()
	instance, ok := m.live[runID]
	if ok {
		delete(m.live, runID)
	}
	m.mu.Unlock()

	if m.mirror != nil {
		if err := m.mirror.Delete(ctx, mirrorKey(runID)); err != nil {
			m.logger.Warn("failed to delete mirrored proxy instance", zap.String("run_id", runID), zap.Error(err))
		}
	}

	if !ok {
		return nil
	}

	m.forceRemove(instance.ContainerID)

	if err := os.RemoveAll(filepath.Dir(instance.UnixSocketPath)); err != nil {
		m.logger.Warn("failed to clean up socket dir", zap.String("run_id", runID), zap.Error(err))
	}

	m.logger.Info("proxy instance released", zap.String("run_id", runID))
	return nil
}

func (m *Manager) forceRemove(containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopCmd := exec.CommandContext(ctx, "docker", "stop", "-t", "3", containerID)
	if err := stopCmd.Run(); err != nil {
		m.logger.Warn("docker stop failed", zap.String("container_id", containerID), zap.Error(err))
	}

	rmCmd := exec.CommandContext(ctx, "docker", "rm", "-f", containerID)
	if err := rmCmd.Run(); err != nil {
		m.logger.Warn("docker rm failed", zap.String("container_id", containerID), zap.Error(err))
	}
}

// ReadAuditEntries reads the per-run audit log and parses one
// newline-delimited JSON entry per LLM response. An empty log is valid.
func (m *Manager) ReadAuditEntries(runID string) ([]coremodel.AuditEntry, error) {
	m.mu.Lock()
	instance, ok := m.live[runID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	f, err := os.Open(instance.AuditLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []coremodel.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry coremodel.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			m.logger.Warn("skipping malformed audit entry", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

// Sweep enumerates every proxy container owned by this core (identified by
// the sandboxcore.role label) and removes any whose runId is absent from the
// live set, reclaiming orphans left behind by a crashed prior process. When a
// Redis mirror is configured, the live set is the union of this process's
// own m.live and every runId any process has published to the mirror, so one
// core's sweep never force-removes a peer process's still-running proxy
// container. If the mirror can't be read, the sweep is skipped entirely for
// this round rather than risk treating a peer's containers as orphans.
func (m *Manager) Sweep(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "label=sandboxcore.role="+ownerLabelValue,
		"--format", "{{.ID}}\t{{.Label \"sandboxcore.run_id\"}}")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("docker ps: %w", err)
	}

	m.mu.Lock()
	liveRunIDs := make(map[string]struct{}, len(m.live))
	for runID := range m.live {
		liveRunIDs[runID] = struct{}{}
	}
	m.mu.Unlock()

	if m.mirror != nil {
		keys, mirrErr := m.mirror.Keys(ctx, "proxy:live:*")
		if mirrErr != nil {
			m.logger.Warn("skipping sweep: failed to read distributed live-set mirror", zap.Error(mirrErr))
			return nil
		}
		for _, key := range keys {
			liveRunIDs[strings.TrimPrefix(key, "proxy:live:")] = struct{}{}
		}
	}

	removed := 0
	for _, line := range splitLines(string(out)) {
		cols := splitTab(line)
		if len(cols) != 2 {
			continue
		}
		containerID, runID := cols[0], cols[1]
		if _, ok := liveRunIDs[runID]; ok {
			continue
		}
		m.forceRemove(containerID)
		removed++
	}
	if removed > 0 {
		m.logger.Info("swept orphaned proxy containers", zap.Int("removed", removed))
	}
	return nil
}

func mirrorKey(runID string) string {
	return "proxy:live:" + runID
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func splitTab(s string) []string {
	var parts []string
	start := 0
	for i, c := range s {
		if c == '\t' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
