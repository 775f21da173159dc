package config

import "time"

// DefaultConfig returns a Config with production-sane defaults for every
// field that has one; secrets (master key, bearer tokens, DSN) are left
// empty and must come from the environment.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Proxy:     DefaultProxyConfig(),
		Ephemeral: DefaultEphemeralConfig(),
		Gateway:   DefaultGatewayConfig(),
		Billing:   DefaultBillingConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Graphs:    DefaultGraphsConfig(),
	}
}

func DefaultGraphsConfig() GraphsConfig {
	return GraphsConfig{
		DefaultMode: "ephemeral",
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		IngestPort:      8090,
		MetricsPort:     9091,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		SocketRootDir:      "/var/run/sandboxcore/proxy",
		HealthTimeout:      10 * time.Second,
		SweepInterval:      1 * time.Minute,
		OwnerLabel:         "com.sandboxcore.owner",
		DistributedLiveSet: false,
	}
}

func DefaultEphemeralConfig() EphemeralConfig {
	return EphemeralConfig{
		WorkspaceRootDir:    "/var/run/sandboxcore/workspace",
		DefaultMaxRuntime:   30 * time.Second,
		DefaultMaxMemoryMB:  512,
		KillGracePeriod:     5 * time.Second,
		InternalNetworkName: "sandboxcore-internal",
	}
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		RunTimeout:        2 * time.Minute,
		SessionBufferSize: 64,
		ReconnectMinDelay: 500 * time.Millisecond,
		ReconnectMaxDelay: 30 * time.Second,
	}
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		IngestTokenIssuer: "litellm-gateway",
		CreditsPerUSD:     1_000_000,
		TenantSessionVar:  "app.current_tenant",
	}
}

func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr: "",
		DB:   0,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:     false,
		ServiceName: "sandboxcore",
		SampleRate:  0.1,
	}
}
