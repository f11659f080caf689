package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Providers    []ProviderConfig   `json:"providers"`
	Planner      PlannerConfig      `json:"planner"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Database     DatabaseConfig     `json:"database"`
	Agents       []AgentConfig      `json:"agents"`

	// DefaultProvider replaces the first configured provider as every
	// caller's last resort.
	DefaultProvider string `json:"default_provider,omitempty"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// PlannerConfig selects the provider used to decompose goals into plans.
type PlannerConfig struct {
	ProviderID string   `json:"provider_id"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
	Model      string   `json:"model"`
	MaxTokens  int      `json:"max_tokens"`
}

// OrchestratorConfig holds dispatch, retry and retention knobs.
type OrchestratorConfig struct {
	MaxRetries            *int `json:"max_retries"`
	RetryDelayMs          int  `json:"retry_delay_ms"`
	PoolSize              int  `json:"pool_size"`
	SoftTimeoutSec        int  `json:"soft_timeout_sec"`
	HardTimeoutSec        int  `json:"hard_timeout_sec"`
	AllowPartial          bool `json:"allow_partial"`
	SessionIdleTimeoutSec int  `json:"session_idle_timeout_sec"`
	StateSweepIntervalSec int  `json:"state_sweep_interval_sec"`
	LogRetentionHours     int  `json:"log_retention_hours"`
	KeepSessions          int  `json:"keep_sessions"`
}

// Retries is the number of re-selection attempts after a job's first
// failure. An explicit zero disables retries.
func (o OrchestratorConfig) Retries() int {
	if o.MaxRetries == nil {
		return 1
	}
	return *o.MaxRetries
}

// RetryDelay is the pause before re-selecting an agent after a miss.
func (o OrchestratorConfig) RetryDelay() time.Duration {
	return time.Duration(o.RetryDelayMs) * time.Millisecond
}

// SoftTimeout is the default soft watchdog for jobs without an estimate.
func (o OrchestratorConfig) SoftTimeout() time.Duration {
	return time.Duration(o.SoftTimeoutSec) * time.Second
}

// HardTimeout is zero when hard per-job timeouts are disabled.
func (o OrchestratorConfig) HardTimeout() time.Duration {
	return time.Duration(o.HardTimeoutSec) * time.Second
}

func (o OrchestratorConfig) SessionIdleTimeout() time.Duration {
	return time.Duration(o.SessionIdleTimeoutSec) * time.Second
}

func (o OrchestratorConfig) StateSweepInterval() time.Duration {
	return time.Duration(o.StateSweepIntervalSec) * time.Second
}

func (o OrchestratorConfig) LogRetention() time.Duration {
	return time.Duration(o.LogRetentionHours) * time.Hour
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// AgentConfig seeds the agent registry at startup.
type AgentConfig struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Capabilities []CapabilityConfig `json:"capabilities"`
	MaxLoad      int                `json:"max_load"`
	Priority     int                `json:"priority"`
	Executor     ExecutorConfig     `json:"executor"`
}

type CapabilityConfig struct {
	Name    string   `json:"name"`
	Domains []string `json:"domains,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// ExecutorConfig describes how a seeded agent runs its jobs.
// Kind is "llm" (provider router) or "webhook" (remote HTTP agent).
type ExecutorConfig struct {
	Kind         string   `json:"kind"`
	ProviderID   string   `json:"provider_id,omitempty"`
	Fallbacks    []string `json:"fallbacks,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse substitutes environment references in data, decodes it, applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// external backends.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Planner.MaxTokens == 0 {
		c.Planner.MaxTokens = 2048
	}

	o := &c.Orchestrator
	if o.MaxRetries == nil {
		one := 1
		o.MaxRetries = &one
	}
	if o.RetryDelayMs == 0 {
		o.RetryDelayMs = 250
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.SoftTimeoutSec == 0 {
		o.SoftTimeoutSec = 120
	}
	if o.SessionIdleTimeoutSec == 0 {
		o.SessionIdleTimeoutSec = 1800
	}
	if o.StateSweepIntervalSec == 0 {
		o.StateSweepIntervalSec = 30
	}
	if o.LogRetentionHours == 0 {
		o.LogRetentionHours = 72
	}
	if o.KeepSessions == 0 {
		o.KeepSessions = 500
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if a.MaxLoad == 0 {
			a.MaxLoad = 1
		}
		if a.Executor.Kind == "" {
			a.Executor.Kind = "llm"
		}
	}
}

var (
	ErrInvalidRetries  = errors.New("orchestrator.max_retries must be >= 0")
	ErrInvalidTimeouts = errors.New("orchestrator timeouts must be >= 0")
	ErrInvalidAgent    = errors.New("invalid agent definition")
)

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.Retries() < 0 {
		return ErrInvalidRetries
	}
	if o.SoftTimeoutSec < 0 || o.HardTimeoutSec < 0 || o.RetryDelayMs < 0 {
		return ErrInvalidTimeouts
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required: %w", i, ErrInvalidAgent)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q: %w", i, a.ID, ErrInvalidAgent)
		}
		seen[a.ID] = true
		if a.MaxLoad < 0 {
			return fmt.Errorf("agent %s: max_load must be positive: %w", a.ID, ErrInvalidAgent)
		}
		switch a.Executor.Kind {
		case "llm":
		case "webhook":
			if a.Executor.URL == "" {
				return fmt.Errorf("agent %s: webhook executor needs a url: %w", a.ID, ErrInvalidAgent)
			}
		default:
			return fmt.Errorf("agent %s: unknown executor kind %q: %w", a.ID, a.Executor.Kind, ErrInvalidAgent)
		}
	}
	return nil
}
