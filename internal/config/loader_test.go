package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file does not exist", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), zerolog.Nop())
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chatstate.yaml")
		content := `
gateway:
  port: 9000
store:
  driver: sqlite
providers:
  - type: anthropic
    api_key: sk-ant-test
defaults:
  provider: anthropic
  model: claude-test
  max_tokens: 1024
  temperature: 0.2
  tool_servers:
    - name: fs
      command: mcp-fs
      args: ["/srv"]
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := NewLoader(path, zerolog.Nop()).Load()
		require.NoError(t, err)

		assert.Equal(t, 9000, cfg.Gateway.Port)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, filepath.Join(cfg.DataDir, "chatstate.db"), cfg.Store.Path)
		require.Len(t, cfg.Providers, 1)
		assert.Equal(t, "anthropic", cfg.Providers[0].Name)
		assert.Equal(t, "claude-test", cfg.Defaults.Model)
		require.NotNil(t, cfg.Defaults.Temperature)
		assert.InDelta(t, 0.2, *cfg.Defaults.Temperature, 1e-9)
		require.Len(t, cfg.Defaults.ToolServers, 1)
		assert.Equal(t, []string{"/srv"}, cfg.Defaults.ToolServers[0].Args)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("CHATSTATE_GATEWAY_PORT", "9100")
		t.Setenv("CHATSTATE_LOGGING_LEVEL", "debug")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop()).Load()
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Gateway.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("invalid file is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chatstate.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"store": {"driver": "nope"}}`), 0o644))

		_, err := NewLoader(path, zerolog.Nop()).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid driver")
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chatstate.yaml")
	loader := NewLoader(path, zerolog.Nop())

	cfg := DefaultConfig()
	cfg.Gateway.Port = 9300
	cfg.Gateway.SharedSecret = "s3cret"
	cfg.Store = StoreConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "blobs")}
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9300, loaded.Gateway.Port)
	assert.Equal(t, "s3cret", loaded.Gateway.SharedSecret)
	assert.Equal(t, cfg.Store, loaded.Store)
}

func TestLoaderWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  port: 9400\n"), 0o644))

	loader := NewLoader(path, zerolog.Nop())
	_, err := loader.Load()
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	require.NoError(t, loader.Watch(func(cfg *Config) { changes <- cfg }))

	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  port: 9401\n"), 0o644))

	select {
	case cfg := <-changes:
		assert.Equal(t, 9401, cfg.Gateway.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestWatchRequiresLoad(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "x.yaml"), zerolog.Nop())
	assert.Error(t, loader.Watch(func(*Config) {}))
}
