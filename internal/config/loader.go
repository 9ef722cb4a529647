package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const envPrefix = "CHATSTATE"

// envKeys are bound explicitly so they apply even when the file omits them.
var envKeys = []string{
	"gateway.host",
	"gateway.port",
	"gateway.shared_secret",
	"store.driver",
	"store.dsn",
	"store.path",
	"store.id",
	"defaults.provider",
	"defaults.model",
	"logging.level",
	"logging.format",
	"telemetry.otlp_endpoint",
	"data_dir",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
	logger     zerolog.Logger

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader. An empty path resolves to
// $HOME/.chatstate/chatstate.yaml.
func NewLoader(configPath string, logger zerolog.Logger) *Loader {
	return &Loader{
		configPath: configPath,
		logger:     logger.With().Str("component", "config").Logger(),
	}
}

// SetLogger replaces the loader logger, typically once the process logger
// has been built from the loaded config.
func (l *Loader) SetLogger(logger zerolog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger.With().Str("component", "config").Logger()
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".chatstate", "chatstate.yaml")
}

func (l *Loader) newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()
	return v
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// Load reads the config file, overlays environment variables and validates
// the result. A missing file yields the defaults plus environment overrides.
func (l *Loader) Load() (*Config, error) {
	path := l.GetConfigPath()
	v := l.newViper(path)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	} else {
		l.logger.Debug().Str("path", path).Msg("Config file not found, using defaults")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDerivedDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".chatstate")
		}
	}
	if cfg.Store.Driver == "file" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "store")
	}
	if (cfg.Store.Driver == "sqlite" || cfg.Store.Driver == "sqlite3") && cfg.Store.DSN == "" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "chatstate.db")
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Name == "" {
			cfg.Providers[i].Name = cfg.Providers[i].Type
		}
	}
}

// Watch reloads the config whenever the file changes and hands every valid
// revision to onChange. Invalid revisions are logged and skipped. Load must
// have been called first.
func (l *Loader) Watch(onChange func(*Config)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil {
		return fmt.Errorf("config not loaded")
	}
	if _, err := os.Stat(l.GetConfigPath()); err != nil {
		return fmt.Errorf("cannot watch config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		logger := l.logger
		l.mu.Unlock()

		cfg, err := decode(v)
		if err != nil {
			logger.Warn().Err(err).Str("path", e.Name).Msg("Ignoring invalid config change")
			return
		}
		logger.Info().Str("path", e.Name).Msg("Config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Save writes cfg to the config path, creating parent directories.
func (l *Loader) Save(cfg *Config) error {
	path := l.GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))

	// Round-trip through JSON so keys follow the json tags, which match the
	// mapstructure tags Load decodes with.
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	for key, value := range settings {
		v.Set(key, value)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath, zerolog.Nop()).Load()
}
