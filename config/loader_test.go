package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader_DefaultsOnly(t *testing.T) {
	t.Parallel()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.Equal(t, 8090, cfg.Server.IngestPort)
	require.Equal(t, int64(1_000_000), cfg.Billing.CreditsPerUSD)
}

func TestLoader_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  ingest_port: 9999\n"), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.IngestPort)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	t.Setenv("SANDBOXCORE_SERVER_INGEST_PORT", "7000")
	t.Setenv("SANDBOXCORE_BILLING_CREDITS_PER_USD", "500000")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  ingest_port: 9999\n"), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Server.IngestPort)
	require.Equal(t, int64(500000), cfg.Billing.CreditsPerUSD)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "upstream LLM URL is required")

	cfg.Proxy.UpstreamLLMURL = "https://llm.internal"
	require.Error(t, cfg.Validate(), "ingest token secret is required")

	cfg.Billing.IngestTokenSecret = "test-secret"
	require.NoError(t, cfg.Validate())
}
