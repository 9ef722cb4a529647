package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Config represents the chatstate service configuration
type Config struct {
	// Gateway serves the JSON-RPC and subscription endpoints
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Store selects the content store backend
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Providers are the completion providers reachable by name
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Defaults seed the settings of conversations created for the first time
	Defaults ConversationDefaults `json:"defaults" mapstructure:"defaults"`

	// Mailbox bounds per-conversation queues
	Mailbox MailboxConfig `json:"mailbox" mapstructure:"mailbox"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Telemetry
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`

	// Data directory for file-backed stores, logs and audit records
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// StoreConfig selects and parameterizes the content store
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // memory, file, sqlite, sqlite3, postgres
	DSN    string `json:"dsn" mapstructure:"dsn"`
	Path   string `json:"path" mapstructure:"path"`
	ID     string `json:"id" mapstructure:"id"`
}

// ProviderConfig describes one completion provider
type ProviderConfig struct {
	Name       string   `json:"name" mapstructure:"name"`
	Type       string   `json:"type" mapstructure:"type"` // anthropic, openai, gemini, bedrock
	APIKey     string   `json:"api_key" mapstructure:"api_key"`
	BaseURL    string   `json:"base_url" mapstructure:"base_url"`
	Region     string   `json:"region" mapstructure:"region"`
	SecretKey  string   `json:"secret_key" mapstructure:"secret_key"`
	Models     []string `json:"models" mapstructure:"models"`
	MaxRetries int      `json:"max_retries" mapstructure:"max_retries"`
}

// ToolServerConfig describes a tool server. Exactly one of Command or URL
// is set: Command spawns a stdio server, URL reaches a remote actor.
type ToolServerConfig struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
	URL     string            `json:"url,omitempty" mapstructure:"url"`
}

// ConversationDefaults are applied when a conversation has no stored settings
type ConversationDefaults struct {
	Provider         string             `json:"provider" mapstructure:"provider"`
	Model            string             `json:"model" mapstructure:"model"`
	Temperature      *float64           `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens        int                `json:"max_tokens" mapstructure:"max_tokens"`
	MaxContextTokens int                `json:"max_context_tokens" mapstructure:"max_context_tokens"`
	SystemPrompt     string             `json:"system_prompt" mapstructure:"system_prompt"`
	ToolServers      []ToolServerConfig `json:"tool_servers" mapstructure:"tool_servers"`
}

// MailboxConfig bounds per-conversation task queues and controls when idle
// conversations are unloaded. An empty EvictionSchedule disables eviction.
type MailboxConfig struct {
	MaxQueueSize     int    `json:"max_queue_size" mapstructure:"max_queue_size"`
	EvictionSchedule string `json:"eviction_schedule" mapstructure:"eviction_schedule"`
	IdleTimeout      string `json:"idle_timeout" mapstructure:"idle_timeout"`
}

// IdleTimeoutDuration parses IdleTimeout. Call Validate first.
func (m MailboxConfig) IdleTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(m.IdleTimeout)
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	Format    string `json:"format" mapstructure:"format"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName  string  `json:"service_name" mapstructure:"service_name"`
	OTLPEndpoint string  `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	Insecure     bool    `json:"insecure" mapstructure:"insecure"`
	SampleRatio  float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8420,
			RequestsPerMinute: 120,
			MaxConcurrent:     10,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Providers: []ProviderConfig{},
		Defaults: ConversationDefaults{
			Provider:         "anthropic",
			Model:            "claude-sonnet-4-20250514",
			MaxTokens:        4096,
			MaxContextTokens: 200000,
		},
		Mailbox: MailboxConfig{
			MaxQueueSize:     256,
			EvictionSchedule: "@every 5m",
			IdleTimeout:      "30m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "console",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "chatstate",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Provider returns the provider config registered under name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	v := NewValidator()
	var errs []error

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway: invalid port %d", c.Gateway.Port))
	}

	if err := v.ValidateStore(c.Store); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("provider %d: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("provider %s: duplicate name", p.Name))
		}
		seen[p.Name] = true
		if err := v.ValidateProvider(p); err != nil {
			errs = append(errs, err)
		}
	}

	if len(c.Providers) > 0 && c.Defaults.Provider != "" && !seen[c.Defaults.Provider] {
		errs = append(errs, fmt.Errorf("defaults: provider %q is not configured", c.Defaults.Provider))
	}
	if c.Defaults.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("defaults: max_tokens must be positive"))
	}
	if c.Defaults.MaxContextTokens > 0 && c.Defaults.MaxContextTokens <= c.Defaults.MaxTokens {
		errs = append(errs, fmt.Errorf("defaults: max_context_tokens must exceed max_tokens"))
	}
	if t := c.Defaults.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("defaults: temperature %.2f out of range [0, 2]", *t))
	}
	for i, ts := range c.Defaults.ToolServers {
		if err := v.ValidateToolServer(ts); err != nil {
			errs = append(errs, fmt.Errorf("defaults: tool server %d: %w", i, err))
		}
	}

	if c.Mailbox.MaxQueueSize < 0 {
		errs = append(errs, fmt.Errorf("mailbox: max_queue_size cannot be negative"))
	}
	if c.Mailbox.EvictionSchedule != "" {
		if _, err := cron.ParseStandard(c.Mailbox.EvictionSchedule); err != nil {
			errs = append(errs, fmt.Errorf("mailbox: invalid eviction_schedule: %w", err))
		}
		if d, err := time.ParseDuration(c.Mailbox.IdleTimeout); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("mailbox: idle_timeout must be a positive duration"))
		}
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
