package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/chatstate/internal/config"
	"github.com/rs/zerolog"
)

// New builds one provider from its configuration.
func New(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	defaultModel := ""
	if len(cfg.Models) > 0 {
		defaultModel = cfg.Models[0]
	}

	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(cfg.Name, cfg.APIKey, cfg.BaseURL, defaultModel), nil
	case "openai":
		return NewOpenAIProvider(cfg.Name, cfg.APIKey, cfg.BaseURL, defaultModel), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg.Name, cfg.APIKey, defaultModel)
	case "bedrock":
		return NewBedrockProvider(ctx, BedrockConfig{
			Name:            cfg.Name,
			Region:          cfg.Region,
			AccessKeyID:     cfg.APIKey,
			SecretAccessKey: cfg.SecretKey,
			DefaultModel:    defaultModel,
		})
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// NewFromConfig builds a registry holding every configured provider. The
// largest MaxRetries among the providers sets the registry retry policy.
func NewFromConfig(ctx context.Context, cfgs []config.ProviderConfig, logger zerolog.Logger) (*Registry, error) {
	maxRetries := 0
	for _, c := range cfgs {
		if c.MaxRetries > maxRetries {
			maxRetries = c.MaxRetries
		}
	}

	registry := NewRegistry(logger, WithRetry(maxRetries, time.Second))
	for _, c := range cfgs {
		p, err := New(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", c.Name, err)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
