package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chatstate.yaml")

	out, err := execute(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved to: "+path)

	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = execute(t, "--config", path, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "--config", path, "init", "--force")
	require.NoError(t, err)

	cfgFile = path
	_, cfg, err := loadConfig(zerolog.Nop())
	cfgFile = ""
	require.NoError(t, err)
	assert.Equal(t, 8420, cfg.Gateway.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	logLevel = "debug"
	t.Cleanup(func() {
		cfgFile = ""
		logLevel = ""
	})

	_, cfg, err := loadConfig(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
