// Package config loads and validates the runloop configuration file.
//
// Configuration is YAML. String values may reference environment variables
// with $VAR or ${VAR} syntax; a fixed set of RUNLOOP_* variables override
// file values after parsing. Validation errors name the offending field by
// its YAML path.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the runloop server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Agents        AgentsConfig        `yaml:"agents"`
	Stores        StoresConfig        `yaml:"stores"`
	Observability ObservabilityConfig `yaml:"observability"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// StreamBuffer is the per-subscriber event buffer for SSE and
	// WebSocket fan-out.
	StreamBuffer int `yaml:"stream_buffer"`

	// TimelineRuns caps how many recent runs keep a queryable event
	// timeline. 0 disables the timeline endpoint.
	TimelineRuns int `yaml:"timeline_runs"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type EngineConfig struct {
	MaxTurns      int           `yaml:"max_turns"`
	ModelTimeout  time.Duration `yaml:"model_timeout"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	CancelGrace   time.Duration `yaml:"cancel_grace"`
	ParallelTools bool          `yaml:"parallel_tools"`
	ParallelLimit int           `yaml:"parallel_limit"`
}

type ProvidersConfig struct {
	// Default names the provider used by agents that do not set one.
	Default string `yaml:"default"`

	Anthropic ProviderConfig        `yaml:"anthropic"`
	OpenAI    ProviderConfig        `yaml:"openai"`
	Google    ProviderConfig        `yaml:"google"`
	Bedrock   BedrockProviderConfig `yaml:"bedrock"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// Configured reports whether the provider has credentials.
func (p ProviderConfig) Configured() bool { return p.APIKey != "" }

type BedrockProviderConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	DefaultModel    string `yaml:"default_model"`
}

// Configured reports whether the Bedrock transport can be built. Static
// keys are optional; the AWS SDK falls back to its default credential chain.
func (p BedrockProviderConfig) Configured() bool { return p.Region != "" }

// configured reports whether the named provider has enough config to build
// a transport.
func (p ProvidersConfig) configured(name string) bool {
	switch name {
	case "anthropic":
		return p.Anthropic.Configured()
	case "openai":
		return p.OpenAI.Configured()
	case "google":
		return p.Google.Configured()
	case "bedrock":
		return p.Bedrock.Configured()
	default:
		return false
	}
}

type StoresConfig struct {
	Memory MemoryStoreConfig `yaml:"memory"`
	Auth   AuthStoreConfig   `yaml:"auth"`
}

type MemoryStoreConfig struct {
	// Driver selects the conversation store: "memory", "postgres", or
	// "sqlite".
	Driver string `yaml:"driver"`

	// DSN is the connection string for the postgres driver.
	DSN string `yaml:"dsn"`

	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`

	Retention RetentionConfig `yaml:"retention"`
}

type RetentionConfig struct {
	// MaxMessages is the sliding window applied to stored transcripts.
	// 0 keeps everything.
	MaxMessages int `yaml:"max_messages"`
}

type AuthStoreConfig struct {
	// Driver selects the tool-credential store: "memory" or "redis".
	Driver string `yaml:"driver"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Redact adds regex patterns scrubbed from log output on top of the
	// built-in secret patterns.
	Redact []string `yaml:"redact"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// On reports whether metrics are enabled (default true).
func (m MetricsConfig) On() bool { return m.Enabled == nil || *m.Enabled }

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint    string  `yaml:"endpoint"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

type MaintenanceConfig struct {
	Enabled *bool `yaml:"enabled"`

	// Schedule is a cron expression for the expiry sweep.
	Schedule string `yaml:"schedule"`

	// ApprovalMaxAge is how long an undecided approval entry survives
	// before the sweep drops it.
	ApprovalMaxAge time.Duration `yaml:"approval_max_age"`
}

// On reports whether the sweeper runs (default true).
func (m MaintenanceConfig) On() bool { return m.Enabled == nil || *m.Enabled }

// Load reads, parses, and validates the configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables referenced in the file body.
	expanded := os.ExpandEnv(string(data))

	cfg, err := decodeStrict([]byte(expanded))
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// Default returns the configuration used when no file is given: defaults
// plus RUNLOOP_* environment overrides.
func Default() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.StreamBuffer == 0 {
		cfg.Server.StreamBuffer = 256
	}
	if cfg.Server.TimelineRuns == 0 {
		cfg.Server.TimelineRuns = 128
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Engine.MaxTurns == 0 {
		cfg.Engine.MaxTurns = 10
	}
	if cfg.Engine.ModelTimeout == 0 {
		cfg.Engine.ModelTimeout = 30 * time.Second
	}
	if cfg.Engine.CancelGrace == 0 {
		cfg.Engine.CancelGrace = 500 * time.Millisecond
	}
	if cfg.Engine.ParallelLimit == 0 {
		cfg.Engine.ParallelLimit = 5
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Stores.Memory.Driver == "" {
		cfg.Stores.Memory.Driver = "memory"
	}
	if cfg.Stores.Auth.Driver == "" {
		cfg.Stores.Auth.Driver = "memory"
	}
	if cfg.Stores.Auth.RedisPrefix == "" {
		cfg.Stores.Auth.RedisPrefix = "runloop"
	}
	if cfg.Observability.Logging.Level == "" {
		cfg.Observability.Logging.Level = "info"
	}
	if cfg.Observability.Logging.Format == "" {
		cfg.Observability.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.SampleRate == 0 {
		cfg.Observability.Tracing.SampleRate = 1.0
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = "@every 5m"
	}
	if cfg.Maintenance.ApprovalMaxAge == 0 {
		cfg.Maintenance.ApprovalMaxAge = 24 * time.Hour
	}
}

// applyEnvOverrides maps RUNLOOP_* environment variables onto config
// fields. Set variables win over file values.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("RUNLOOP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RUNLOOP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RUNLOOP_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("RUNLOOP_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("RUNLOOP_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("RUNLOOP_ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("RUNLOOP_OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("RUNLOOP_GOOGLE_API_KEY"); v != "" {
		cfg.Providers.Google.APIKey = v
	}
	if v := os.Getenv("RUNLOOP_BEDROCK_REGION"); v != "" {
		cfg.Providers.Bedrock.Region = v
	}
	if v := os.Getenv("RUNLOOP_DEFAULT_PROVIDER"); v != "" {
		cfg.Providers.Default = v
	}
	if v := os.Getenv("RUNLOOP_MEMORY_DRIVER"); v != "" {
		cfg.Stores.Memory.Driver = v
	}
	if v := os.Getenv("RUNLOOP_MEMORY_DSN"); v != "" {
		cfg.Stores.Memory.DSN = v
	}
	if v := os.Getenv("RUNLOOP_MEMORY_PATH"); v != "" {
		cfg.Stores.Memory.Path = v
	}
	if v := os.Getenv("RUNLOOP_AUTH_DRIVER"); v != "" {
		cfg.Stores.Auth.Driver = v
	}
	if v := os.Getenv("RUNLOOP_REDIS_ADDR"); v != "" {
		cfg.Stores.Auth.RedisAddr = v
	}
	if v := os.Getenv("RUNLOOP_TRACE_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("RUNLOOP_AGENTS_FILE"); v != "" {
		cfg.Agents.File = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.StreamBuffer < 1 {
		return fmt.Errorf("server.stream_buffer: must be positive, got %d", c.Server.StreamBuffer)
	}
	if c.Engine.MaxTurns < 1 {
		return fmt.Errorf("engine.max_turns: must be positive, got %d", c.Engine.MaxTurns)
	}
	if c.Engine.ParallelLimit < 1 {
		return fmt.Errorf("engine.parallel_limit: must be positive, got %d", c.Engine.ParallelLimit)
	}

	switch c.Providers.Default {
	case "anthropic", "openai", "google", "bedrock":
	default:
		return fmt.Errorf("providers.default: unknown provider %q", c.Providers.Default)
	}

	switch c.Stores.Memory.Driver {
	case "memory":
	case "postgres":
		if c.Stores.Memory.DSN == "" {
			return fmt.Errorf("stores.memory.dsn: required for the postgres driver")
		}
	case "sqlite":
		if c.Stores.Memory.Path == "" {
			return fmt.Errorf("stores.memory.path: required for the sqlite driver")
		}
	default:
		return fmt.Errorf("stores.memory.driver: unknown driver %q", c.Stores.Memory.Driver)
	}
	if c.Stores.Memory.Retention.MaxMessages < 0 {
		return fmt.Errorf("stores.memory.retention.max_messages: must not be negative, got %d", c.Stores.Memory.Retention.MaxMessages)
	}

	switch c.Stores.Auth.Driver {
	case "memory":
	case "redis":
		if c.Stores.Auth.RedisAddr == "" {
			return fmt.Errorf("stores.auth.redis_addr: required for the redis driver")
		}
	default:
		return fmt.Errorf("stores.auth.driver: unknown driver %q", c.Stores.Auth.Driver)
	}

	switch c.Observability.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.logging.level: unknown level %q", c.Observability.Logging.Level)
	}
	switch c.Observability.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("observability.logging.format: must be json or text, got %q", c.Observability.Logging.Format)
	}
	if rate := c.Observability.Tracing.SampleRate; rate < 0 || rate > 1 {
		return fmt.Errorf("observability.tracing.sample_rate: must be between 0 and 1, got %v", rate)
	}

	if err := validateAgents(c.Agents.Definitions); err != nil {
		return err
	}
	for i, def := range c.Agents.Definitions {
		provider := def.Provider
		if provider == "" {
			provider = c.Providers.Default
		}
		switch provider {
		case "anthropic", "openai", "google", "bedrock":
		default:
			return fmt.Errorf("agents.definitions[%d].provider: unknown provider %q", i, def.Provider)
		}
		if !c.Providers.configured(provider) {
			return fmt.Errorf("agents.definitions[%d].provider: provider %q is not configured", i, provider)
		}
	}
	return nil
}
