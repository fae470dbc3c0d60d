package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Lucy.
type Config struct {
	Env           string                   `yaml:"env"`
	Server        ServerConfig             `yaml:"server"`
	Chat          ChatConfig               `yaml:"chat"`
	LLM           LLMConfig                `yaml:"llm"`
	WorkspaceRoot string                   `yaml:"workspace_root"`
	Store         StoreConfig              `yaml:"store"`
	Queue         QueueConfig              `yaml:"queue"`
	RateLimits    RateLimitsConfig         `yaml:"rate_limits"`
	Breakers      map[string]BreakerConfig `yaml:"circuit_breakers"`
	Tracing       TracingConfig            `yaml:"tracing"`
	Logging       LoggingConfig            `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ChatConfig holds the chat platform credentials. The app token enables
// Socket Mode; the signing secret verifies HTTP event callbacks.
type ChatConfig struct {
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"`
	SigningSecret string `yaml:"signing_secret"`
}

// LLMConfig names the model identifier for each routing tier.
type LLMConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	ModelDefault    string `yaml:"model_default"`
	ModelFast       string `yaml:"model_fast"`
	ModelCode       string `yaml:"model_code"`
	ModelFrontier   string `yaml:"model_frontier"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, postgres
	DSN    string `yaml:"dsn"`
}

type QueueConfig struct {
	Workers      int `yaml:"workers"`
	MaxTotal     int `yaml:"max_total"`
	MaxPerTenant int `yaml:"max_per_tenant"`
}

// RateLimitsConfig carries per-model and per-API token bucket overrides.
// The "_default" key is the fallback for unlisted models and APIs.
type RateLimitsConfig struct {
	Models map[string]BucketConfig `yaml:"models"`
	APIs   map[string]BucketConfig `yaml:"apis"`
}

type BucketConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// BreakerConfig overrides circuit breaker parameters for one dependency.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	MinimumCalls     int           `yaml:"minimum_calls"`
}

type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.LLM.ModelDefault == "" {
		cfg.LLM.ModelDefault = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.ModelFast == "" {
		cfg.LLM.ModelFast = "gpt-4o-mini"
	}
	if cfg.LLM.ModelCode == "" {
		cfg.LLM.ModelCode = cfg.LLM.ModelDefault
	}
	if cfg.LLM.ModelFrontier == "" {
		cfg.LLM.ModelFrontier = "claude-opus-4-20250514"
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "./workspaces"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = "lucy.db"
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 10
	}
	if cfg.Queue.MaxTotal == 0 {
		cfg.Queue.MaxTotal = 200
	}
	if cfg.Queue.MaxPerTenant == 0 {
		cfg.Queue.MaxPerTenant = 50
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 0.1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		if cfg.Env == "development" {
			cfg.Logging.Format = "text"
		} else {
			cfg.Logging.Format = "json"
		}
	}
}

// Validate checks that the configuration can actually run a service.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("config: env must be development or production, got %q", c.Env)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config: postgres store requires a dsn")
	}
	if c.Env == "production" {
		if c.Chat.BotToken == "" || c.Chat.AppToken == "" {
			return fmt.Errorf("config: chat bot_token and app_token are required in production")
		}
		if c.LLM.AnthropicAPIKey == "" && c.LLM.OpenAIAPIKey == "" {
			return fmt.Errorf("config: at least one LLM API key is required in production")
		}
	}
	for name, bc := range c.RateLimits.Models {
		if bc.Rate < 0 || bc.Burst < 0 {
			return fmt.Errorf("config: rate limit for model %q must be non-negative", name)
		}
	}
	for name, bc := range c.RateLimits.APIs {
		if bc.Rate < 0 || bc.Burst < 0 {
			return fmt.Errorf("config: rate limit for api %q must be non-negative", name)
		}
	}
	for name, bc := range c.Breakers {
		if bc.FailureThreshold < 0 || bc.MinimumCalls < 0 || bc.HalfOpenMaxCalls < 0 {
			return fmt.Errorf("config: breaker %q has negative parameters", name)
		}
	}
	return nil
}

// ModelForTier resolves a routing tier to its configured model identifier.
func (c *Config) ModelForTier(tier string) string {
	switch tier {
	case "fast":
		return c.LLM.ModelFast
	case "code":
		return c.LLM.ModelCode
	case "frontier":
		return c.LLM.ModelFrontier
	default:
		return c.LLM.ModelDefault
	}
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
