package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, providerType string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", providerType)
	}

	switch providerType {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates a provider entry.
func (v *Validator) ValidateProvider(p ProviderConfig) error {
	switch p.Type {
	case "anthropic", "gemini":
		if err := v.ValidateAPIKey(p.APIKey, p.Type); err != nil {
			return fmt.Errorf("provider %s: %w", p.Name, err)
		}
	case "openai":
		// Compatible endpoints behind a base URL use their own key formats.
		if p.BaseURL == "" {
			if err := v.ValidateAPIKey(p.APIKey, p.Type); err != nil {
				return fmt.Errorf("provider %s: %w", p.Name, err)
			}
		} else if err := validateURL(p.BaseURL, "http", "https"); err != nil {
			return fmt.Errorf("provider %s: base_url: %w", p.Name, err)
		}
	case "bedrock":
		if p.Region == "" {
			return fmt.Errorf("provider %s: region is required for bedrock", p.Name)
		}
		if (p.APIKey == "") != (p.SecretKey == "") {
			return fmt.Errorf("provider %s: api_key and secret_key must be set together", p.Name)
		}
	default:
		return fmt.Errorf("provider %s: invalid type %q (must be: anthropic, openai, gemini, bedrock)", p.Name, p.Type)
	}

	if p.MaxRetries < 0 {
		return fmt.Errorf("provider %s: max_retries cannot be negative", p.Name)
	}
	return nil
}

// ValidateStore validates the store section.
func (v *Validator) ValidateStore(s StoreConfig) error {
	switch s.Driver {
	case "memory":
		return nil
	case "file":
		if s.Path == "" {
			return fmt.Errorf("store: path is required for the file driver")
		}
	case "sqlite", "sqlite3":
		if s.DSN == "" && s.Path == "" {
			return fmt.Errorf("store: dsn or path is required for the %s driver", s.Driver)
		}
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("store: dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store: invalid driver %q", s.Driver)
	}
	return nil
}

// ValidateToolServer validates a tool server descriptor.
func (v *Validator) ValidateToolServer(ts ToolServerConfig) error {
	if ts.Name == "" {
		return fmt.Errorf("name is required")
	}
	hasCommand := ts.Command != ""
	hasURL := ts.URL != ""
	if hasCommand == hasURL {
		return fmt.Errorf("server %s: exactly one of command or url must be set", ts.Name)
	}
	if hasURL {
		if err := validateURL(ts.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("server %s: %w", ts.Name, err)
		}
	}
	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging: invalid level %q (must be: debug, info, warn, error)", level)
	}
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("url %q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("url %q must use one of %s", raw, strings.Join(schemes, ", "))
}
