package conversation

import (
	"context"
	"testing"

	"github.com/harun/chatstate/internal/config"
	"github.com/harun/chatstate/pkg/store"
	"github.com/harun/chatstate/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 {
	return &f
}

func TestDefaultSettings(t *testing.T) {
	temp := 0.5
	s := DefaultSettings(config.ConversationDefaults{
		Provider:         "anthropic",
		Model:            "claude-sonnet",
		Temperature:      &temp,
		MaxTokens:        4096,
		MaxContextTokens: 200000,
		SystemPrompt:     "Be helpful.",
		ToolServers: []config.ToolServerConfig{
			{Name: "fs", Command: "mcp-fs", Args: []string{"/tmp"}},
			{Name: "remote", URL: "ws://localhost:9000/tools"},
		},
	})

	assert.Equal(t, ModelConfig{Model: "claude-sonnet", Provider: "anthropic"}, s.ModelConfig)
	require.NotNil(t, s.Temperature)
	assert.Equal(t, 0.5, *s.Temperature)
	temp = 1.5
	assert.Equal(t, 0.5, *s.Temperature)
	assert.Equal(t, "Be helpful.", s.SystemPrompt)
	require.Len(t, s.ToolServers, 2)
	assert.Equal(t, tools.KindStdPipe, s.ToolServers[0].Kind())
	assert.Equal(t, tools.KindActor, s.ToolServers[1].Kind())
	assert.NoError(t, s.Validate())
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		ok     bool
	}{
		{"valid", func(*Settings) {}, true},
		{"missing provider", func(s *Settings) { s.ModelConfig.Provider = " " }, false},
		{"missing model", func(s *Settings) { s.ModelConfig.Model = "" }, false},
		{"zero max tokens", func(s *Settings) { s.MaxTokens = 0 }, false},
		{"negative context", func(s *Settings) { s.MaxContextTokens = -1 }, false},
		{"context below max tokens", func(s *Settings) { s.MaxContextTokens = 512 }, false},
		{"context above max tokens", func(s *Settings) { s.MaxContextTokens = 8192 }, true},
		{"temperature too high", func(s *Settings) { s.Temperature = floatPtr(2.5) }, false},
		{"temperature in range", func(s *Settings) { s.Temperature = floatPtr(0.2) }, true},
		{"duplicate tool servers", func(s *Settings) {
			s.ToolServers = []tools.ServerConfig{
				{Name: "a", StdPipe: &tools.StdPipeConfig{Command: "x"}},
				{Name: "a", StdPipe: &tools.StdPipeConfig{Command: "y"}},
			}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSettings)
			}
		})
	}
}

func TestSettings_PersistRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	_, ok, err := loadSettings(ctx, st, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	s := testSettings()
	s.Title = "Hello"
	s.Temperature = floatPtr(0.7)
	require.NoError(t, saveSettings(ctx, st, "c1", s))

	id, ok, err := st.GetByLabel(ctx, "settings_c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, store.ValidID(id))

	loaded, ok, err := loadSettings(ctx, st, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.Title, loaded.Title)
	assert.Equal(t, 0.7, *loaded.Temperature)
}
