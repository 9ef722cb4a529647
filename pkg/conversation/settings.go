package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/chatstate/internal/config"
	"github.com/harun/chatstate/pkg/store"
	"github.com/harun/chatstate/pkg/tools"
)

const settingsLabelPrefix = "settings_"

// ModelConfig selects the provider and model used for completions.
type ModelConfig struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// Settings is the per-conversation configuration.
type Settings struct {
	ModelConfig      ModelConfig          `json:"model_config"`
	Temperature      *float64             `json:"temperature,omitempty"`
	MaxTokens        int                  `json:"max_tokens"`
	MaxContextTokens int                  `json:"max_context_tokens,omitempty"`
	SystemPrompt     string               `json:"system_prompt,omitempty"`
	Title            string               `json:"title"`
	ToolServers      []tools.ServerConfig `json:"tool_servers"`
}

// DefaultSettings builds the settings a new conversation starts with.
func DefaultSettings(d config.ConversationDefaults) Settings {
	s := Settings{
		ModelConfig: ModelConfig{
			Model:    d.Model,
			Provider: d.Provider,
		},
		MaxTokens:        d.MaxTokens,
		MaxContextTokens: d.MaxContextTokens,
		SystemPrompt:     d.SystemPrompt,
		ToolServers:      make([]tools.ServerConfig, 0, len(d.ToolServers)),
	}
	if d.Temperature != nil {
		t := *d.Temperature
		s.Temperature = &t
	}
	for _, ts := range d.ToolServers {
		s.ToolServers = append(s.ToolServers, tools.FromConfig(ts))
	}
	return s
}

// Validate checks the settings before they are applied.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.ModelConfig.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidSettings)
	}
	if strings.TrimSpace(s.ModelConfig.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidSettings)
	}
	if s.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidSettings)
	}
	if s.MaxContextTokens < 0 {
		return fmt.Errorf("%w: max_context_tokens must not be negative", ErrInvalidSettings)
	}
	if s.MaxContextTokens > 0 && s.MaxContextTokens <= s.MaxTokens {
		return fmt.Errorf("%w: max_context_tokens must exceed max_tokens", ErrInvalidSettings)
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidSettings)
	}
	if err := tools.ValidateAll(s.ToolServers); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

func settingsLabel(conversationID string) string {
	return settingsLabelPrefix + conversationID
}

func loadSettings(ctx context.Context, s store.Store, conversationID string) (Settings, bool, error) {
	data, ok, err := store.LoadLabel(ctx, s, settingsLabel(conversationID))
	if err != nil || !ok {
		return Settings{}, false, err
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, false, fmt.Errorf("failed to decode settings: %w", err)
	}
	return settings, true, nil
}

func saveSettings(ctx context.Context, s store.Store, conversationID string, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if _, err := s.PutAtLabel(ctx, settingsLabel(conversationID), data); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}
