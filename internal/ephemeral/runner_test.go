package ephemeral

import (
	"testing"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/coremodel"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestRunner() *Runner {
	return NewRunner(config.DefaultEphemeralConfig(), zap.NewNop())
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "abc123", firstLine("abc123\n"))
	assert.Equal(t, "abc123", firstLine("abc123"))
}

func TestBuildArgs_NetworkNoneByDefault(t *testing.T) {
	r := newTestRunner()
	args := r.buildArgs("c1", "/tmp/ws", 512, RunRequest{
		RunContext: coremodel.RunContext{RunID: "r1"},
		Image:      "agent-image:latest",
	})

	assert.Contains(t, args, "--network")
	assert.Contains(t, args, "none")
	assert.NotContains(t, args, "--privileged")
	assert.Contains(t, args, "agent-image:latest")
}

func TestBuildArgs_InternalNetworkMode(t *testing.T) {
	r := newTestRunner()
	args := r.buildArgs("c1", "/tmp/ws", 512, RunRequest{
		RunContext:  coremodel.RunContext{RunID: "r1"},
		Image:       "agent-image:latest",
		NetworkMode: "internal",
	})

	joined := joinArgs(args)
	assert.Contains(t, joined, r.cfg.InternalNetworkName)
	assert.NotContains(t, args, "none")
}

func TestBuildArgs_NeverIncludesMasterKey(t *testing.T) {
	r := newTestRunner()
	args := r.buildArgs("c1", "/tmp/ws", 512, RunRequest{
		RunContext: coremodel.RunContext{RunID: "r1"},
		Image:      "agent-image:latest",
		Proxy: &coremodel.ProxyInstance{
			RunID:          "r1",
			UnixSocketPath: "/var/run/sandboxcore/proxy/r1/proxy.sock",
			MasterKey:      "sk-super-secret",
		},
	})

	for _, a := range args {
		assert.NotContains(t, a, "sk-super-secret")
	}
	joined := joinArgs(args)
	assert.Contains(t, joined, "SANDBOXCORE_PROXY_SOCKET=/sandboxcore/proxy/proxy.sock")
	assert.Contains(t, joined, "OPENAI_API_BASE=http://127.0.0.1:8080/v1")
}

func TestBuildArgs_OnlyEnumeratedUserEnvReachesContainer(t *testing.T) {
	r := newTestRunner()
	args := r.buildArgs("c1", "/tmp/ws", 512, RunRequest{
		RunContext: coremodel.RunContext{RunID: "r1"},
		Image:      "agent-image:latest",
		EnvVars:    map[string]string{"AGENT_MODE": "chat"},
	})

	joined := joinArgs(args)
	assert.Contains(t, joined, "AGENT_MODE=chat")
}

func TestBuildArgs_ResourceLimits(t *testing.T) {
	r := newTestRunner()
	args := r.buildArgs("c1", "/tmp/ws", 256, RunRequest{
		RunContext: coremodel.RunContext{RunID: "r1"},
		Image:      "agent-image:latest",
	})

	joined := joinArgs(args)
	assert.Contains(t, joined, "--memory 256m")
	assert.Contains(t, joined, "--pids-limit 256")
	assert.Contains(t, joined, "--cap-drop ALL")
	assert.Contains(t, joined, "--read-only")
}

func joinArgs(args []string) string {
	out := ""
	for _, a := range args {
		out += a + " "
	}
	return out
}
