// Package config loads the sandboxed agent execution core's configuration:
// defaults, then an optional YAML file, then environment variable
// overrides (highest priority wins in that order).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for one core process.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Proxy     ProxyConfig     `yaml:"proxy" env:"PROXY"`
	Ephemeral EphemeralConfig `yaml:"ephemeral" env:"EPHEMERAL"`
	Gateway   GatewayConfig   `yaml:"gateway" env:"GATEWAY"`
	Billing   BillingConfig   `yaml:"billing" env:"BILLING"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Graphs    GraphsConfig    `yaml:"graphs" env:"-"`
}

// GraphRoute maps one graph id prefix to an execution mode and the static
// parameters that mode needs. Routes are matched by longest prefix.
type GraphRoute struct {
	GraphIDPrefix string `yaml:"graph_id_prefix"`
	Mode          string `yaml:"mode"` // "ephemeral" | "gateway"
	Image         string `yaml:"image"`
}

// GraphsConfig is the graphId -> execution-mode registry GraphProvider
// consults to route a GraphRunRequest. Not env-overridable: routes are a
// list, not a flat key, so they only come from the YAML file.
type GraphsConfig struct {
	Routes      []GraphRoute `yaml:"routes"`
	DefaultMode string       `yaml:"default_mode"`
}

// ServerConfig configures the process's HTTP surfaces: the billing ingest
// endpoint and the metrics/health port.
type ServerConfig struct {
	IngestPort      int           `yaml:"ingest_port" env:"INGEST_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ProxyConfig configures the ProxyManager.
type ProxyConfig struct {
	Image              string        `yaml:"image" env:"IMAGE"`
	SocketRootDir      string        `yaml:"socket_root_dir" env:"SOCKET_ROOT_DIR"`
	UpstreamLLMURL     string        `yaml:"upstream_llm_url" env:"UPSTREAM_LLM_URL"`
	MasterKey          string        `yaml:"-" env:"MASTER_KEY"`
	HealthTimeout      time.Duration `yaml:"health_timeout" env:"HEALTH_TIMEOUT"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	OwnerLabel         string        `yaml:"owner_label" env:"OWNER_LABEL"`
	DistributedLiveSet bool          `yaml:"distributed_live_set" env:"DISTRIBUTED_LIVE_SET"`
}

// EphemeralConfig configures the EphemeralRunner.
type EphemeralConfig struct {
	WorkspaceRootDir    string        `yaml:"workspace_root_dir" env:"WORKSPACE_ROOT_DIR"`
	DefaultMaxRuntime   time.Duration `yaml:"default_max_runtime" env:"DEFAULT_MAX_RUNTIME"`
	DefaultMaxMemoryMB  int           `yaml:"default_max_memory_mb" env:"DEFAULT_MAX_MEMORY_MB"`
	KillGracePeriod     time.Duration `yaml:"kill_grace_period" env:"KILL_GRACE_PERIOD"`
	InternalNetworkName string        `yaml:"internal_network_name" env:"INTERNAL_NETWORK_NAME"`
}

// GatewayConfig configures the GatewayClient.
type GatewayConfig struct {
	URL               string        `yaml:"url" env:"URL"`
	BearerToken       string        `yaml:"-" env:"BEARER_TOKEN"`
	RunTimeout        time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	SessionBufferSize int           `yaml:"session_buffer_size" env:"SESSION_BUFFER_SIZE"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay" env:"RECONNECT_MIN_DELAY"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay" env:"RECONNECT_MAX_DELAY"`
}

// BillingConfig configures the BillingIngestor.
type BillingConfig struct {
	// IngestTokenSecret is the HMAC secret used to validate the bearer JWT
	// the upstream LLM gateway presents on every ingest callback.
	IngestTokenSecret string `yaml:"-" env:"INGEST_TOKEN_SECRET"`
	IngestTokenIssuer string `yaml:"ingest_token_issuer" env:"INGEST_TOKEN_ISSUER"`
	CreditsPerUSD     int64  `yaml:"credits_per_usd" env:"CREDITS_PER_USD"`
	TenantSessionVar  string `yaml:"tenant_session_var" env:"TENANT_SESSION_VAR"`
}

// DatabaseConfig configures the GORM connection used by the billing repository.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"-" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig configures the optional distributed live-proxy-set mirror.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"-" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig configures OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads a Config using the builder pattern: defaults, then an
// optional YAML file, then environment variable overrides.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the "SANDBOXCORE" env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "SANDBOXCORE"}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers a validation function run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load produces a Config: defaults -> YAML file (if any) -> env overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the config from path, panicking on failure. Intended for
// cmd/sandboxcore's main, not for library code.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the structural invariants the core depends on.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.IngestPort <= 0 || c.Server.IngestPort > 65535 {
		errs = append(errs, "invalid ingest port")
	}
	if c.Proxy.UpstreamLLMURL == "" {
		errs = append(errs, "proxy.upstream_llm_url is required")
	}
	if c.Billing.CreditsPerUSD <= 0 {
		errs = append(errs, "billing.credits_per_usd must be positive")
	}
	if c.Ephemeral.DefaultMaxMemoryMB <= 0 {
		errs = append(errs, "ephemeral.default_max_memory_mb must be positive")
	}
	if c.Billing.IngestTokenSecret == "" {
		errs = append(errs, "billing.ingest_token_secret is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
