// Package config provides configuration loading for agentd.
//
// Configuration is assembled from built-in defaults, an optional YAML file,
// a .env file and environment variables, in that order of precedence
// (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Governance failure policies.
const (
	FailOpen   = "fail_open"
	FailClosed = "fail_closed"
)

// Config holds the complete agentd configuration.
type Config struct {
	Temporal      TemporalConfig      `koanf:"temporal"`
	Agent         AgentConfig         `koanf:"agent"`
	LLM           LLMConfig           `koanf:"llm"`
	Governance    GovernanceConfig    `koanf:"governance"`
	Providers     ProvidersConfig     `koanf:"providers"`
	NATS          NATSConfig          `koanf:"nats"`
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// TemporalConfig holds durable execution settings.
type TemporalConfig struct {
	Address   string `koanf:"address"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// AgentConfig holds conversation behaviour settings.
type AgentConfig struct {
	GoalsFile             string   `koanf:"goals_file"`
	DefaultGoal           string   `koanf:"default_goal"`
	ContinuationThreshold int      `koanf:"continuation_threshold"`
	MaxPendingInputs      int      `koanf:"max_pending_inputs"`
	ConfirmAll            bool     `koanf:"confirm_all"`
	ToolTimeout           Duration `koanf:"tool_timeout"`
}

// LLMConfig selects and tunes the completion provider.
//
// Model uses a "provider/model" form, e.g. "openai/gpt-4o" or "ollama/llama3".
type LLMConfig struct {
	Model             string   `koanf:"model"`
	Key               Secret   `koanf:"key"`
	BaseURL           string   `koanf:"base_url"`
	Temperature       float64  `koanf:"temperature"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	Timeout           Duration `koanf:"timeout"`
}

// Provider returns the provider prefix of Model ("openai" when absent).
func (c LLMConfig) Provider() string {
	provider, _, found := strings.Cut(c.Model, "/")
	if !found {
		return "openai"
	}
	return strings.ToLower(provider)
}

// ModelName returns Model without its provider prefix.
func (c LLMConfig) ModelName() string {
	_, name, found := strings.Cut(c.Model, "/")
	if !found {
		return c.Model
	}
	return name
}

// GovernanceConfig controls the policy gate around tool execution.
type GovernanceConfig struct {
	Enabled           bool     `koanf:"enabled"`
	PolicyFile        string   `koanf:"policy_file"`
	FailMode          string   `koanf:"fail_mode"`
	Timeout           Duration `koanf:"timeout"`
	RedactionPatterns []string `koanf:"redaction_patterns"`
}

// ProvidersConfig holds dynamic tool provider settings.
type ProvidersConfig struct {
	StartTimeout    Duration `koanf:"start_timeout"`
	ResultCacheSize int      `koanf:"result_cache_size"`
}

// NATSConfig holds the audit event bus connection. Empty URL disables publishing.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Temporal: TemporalConfig{
			Address:   "localhost:7233",
			Namespace: "default",
			TaskQueue: "agent-task-queue",
		},
		Agent: AgentConfig{
			GoalsFile:             "goals.yaml",
			DefaultGoal:           "agent_selection",
			ContinuationThreshold: 250,
			MaxPendingInputs:      32,
			ToolTimeout:           Duration(60 * time.Second),
		},
		LLM: LLMConfig{
			Model:             "openai/gpt-4",
			Temperature:       0,
			RequestsPerSecond: 2,
			Burst:             4,
			Timeout:           Duration(60 * time.Second),
		},
		Governance: GovernanceConfig{
			Enabled:  true,
			FailMode: FailOpen,
			Timeout:  Duration(30 * time.Second),
		},
		Providers: ProvidersConfig{
			StartTimeout:    Duration(30 * time.Second),
			ResultCacheSize: 4096,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName: "agentd",
			Endpoint:    "localhost:4317",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Temporal.Address == "" {
		return errors.New("temporal address is required")
	}
	if c.Temporal.TaskQueue == "" {
		return errors.New("temporal task queue is required")
	}
	if c.Agent.ContinuationThreshold < 1 {
		return fmt.Errorf("invalid continuation threshold: %d (must be >= 1)", c.Agent.ContinuationThreshold)
	}
	if c.Agent.MaxPendingInputs < 1 {
		return fmt.Errorf("invalid max pending inputs: %d (must be >= 1)", c.Agent.MaxPendingInputs)
	}
	if c.Agent.ToolTimeout.Duration() <= 0 {
		return errors.New("tool timeout must be positive")
	}
	switch c.LLM.Provider() {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("unsupported llm provider %q in model %q", c.LLM.Provider(), c.LLM.Model)
	}
	if c.LLM.RequestsPerSecond <= 0 {
		return errors.New("llm requests_per_second must be positive")
	}
	if c.Governance.FailMode != FailOpen && c.Governance.FailMode != FailClosed {
		return fmt.Errorf("governance fail_mode must be %q or %q, got %q", FailOpen, FailClosed, c.Governance.FailMode)
	}
	if c.Governance.Enabled && c.Governance.Timeout.Duration() <= 0 {
		return errors.New("governance timeout must be positive when governance is enabled")
	}
	if c.Providers.StartTimeout.Duration() <= 0 {
		return errors.New("provider start timeout must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}

// applyEnvAliases honours the flat environment variable names used by
// existing deployments. They take precedence over structured keys.
func applyEnvAliases(cfg *Config) {
	cfg.Temporal.Address = getEnvString("TEMPORAL_ADDRESS", cfg.Temporal.Address)
	cfg.Temporal.Address = getEnvString("TEMPORAL_HOST", cfg.Temporal.Address)
	cfg.LLM.Model = getEnvString("LLM_MODEL", cfg.LLM.Model)
	if key := os.Getenv("LLM_KEY"); key != "" {
		cfg.LLM.Key = Secret(key)
	}
	cfg.Agent.ConfirmAll = getEnvBool("SHOW_CONFIRM", cfg.Agent.ConfirmAll)
	cfg.Governance.FailMode = getEnvString("OPENBOX_GOVERNANCE_POLICY", cfg.Governance.FailMode)
	if secs := getEnvInt("OPENBOX_GOVERNANCE_TIMEOUT", 0); secs > 0 {
		cfg.Governance.Timeout = Duration(time.Duration(secs) * time.Second)
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
