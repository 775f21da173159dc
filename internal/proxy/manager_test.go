package proxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/coremodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitLines("a\nb\nc"))
	assert.Equal(t, []string{"a", "b"}, splitLines("a\nb\n"))
	assert.Nil(t, splitLines(""))
}

func TestSplitTab(t *testing.T) {
	assert.Equal(t, []string{"abc123", "r1"}, splitTab("abc123\tr1"))
	assert.Equal(t, []string{"abc123", ""}, splitTab("abc123\t"))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "abc123", firstLine("abc123\n"))
	assert.Equal(t, "abc123", firstLine("abc123"))
}

func TestMirrorKey(t *testing.T) {
	assert.Equal(t, "proxy:live:r1", mirrorKey("r1"))
}

func TestManager_ReadAuditEntries_NotFound(t *testing.T) {
	m := NewManager(config.DefaultProxyConfig(), zap.NewNop(), nil)
	_, err := m.ReadAuditEntries("missing-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ReadAuditEntries_EmptyIsValid(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")
	require.NoError(t, os.WriteFile(logPath, nil, 0o600))

	m := NewManager(config.DefaultProxyConfig(), zap.NewNop(), nil)
	m.live["r1"] = &coremodel.ProxyInstance{RunID: "r1", AuditLogPath: logPath}

	entries, err := m.ReadAuditEntries("r1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_ReadAuditEntries_ParsesNDJSON(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")
	content := `{"litellmCallId":"c-1","costUsd":"0.003","timestamp":"2026-01-01T00:00:00Z"}
{"litellmCallId":"c-2","costUsd":"0.010","timestamp":"2026-01-01T00:00:01Z"}
`
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o600))

	m := NewManager(config.DefaultProxyConfig(), zap.NewNop(), nil)
	m.live["r1"] = &coremodel.ProxyInstance{RunID: "r1", AuditLogPath: logPath}

	entries, err := m.ReadAuditEntries("r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c-1", entries[0].LitellmCallID)
	assert.Equal(t, "0.003", entries[0].CostUSD)
	assert.Equal(t, "c-2", entries[1].LitellmCallID)
}

func TestManager_ReadAuditEntries_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")
	content := "not json\n" + `{"litellmCallId":"c-1","costUsd":"0.003","timestamp":"2026-01-01T00:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o600))

	m := NewManager(config.DefaultProxyConfig(), zap.NewNop(), nil)
	m.live["r1"] = &coremodel.ProxyInstance{RunID: "r1", AuditLogPath: logPath}

	entries, err := m.ReadAuditEntries("r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c-1", entries[0].LitellmCallID)
}

func TestManager_Release_NoInstance_IsNoop(t *testing.T) {
	m := NewManager(config.DefaultProxyConfig(), zap.NewNop(), nil)
	err := m.Release(context.Background(), "never-acquired")
	require.NoError(t, err)
}

func TestManager_Release_RemovesFromLiveSet(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "proxy.sock")
	m := NewManager(config.DefaultProxyConfig(), zap.NewNop(), nil)
	m.live["r1"] = &coremodel.ProxyInstance{RunID: "r1", UnixSocketPath: socketPath}

	err := m.Release(context.Background(), "r1")
	require.NoError(t, err)

	m.mu.Lock()
	_, stillLive := m.live["r1"]
	m.mu.Unlock()
	assert.False(t, stillLive)
}
