package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	dirName  = ".lunar"
	fileName = "lunar.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the
// defaults, still overridable through LUNAR_* environment variables.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Read environment variables, e.g. LUNAR_GATEWAY_PORT
	v.SetEnvPrefix("LUNAR")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	bindEnv(v)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
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
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, dirName)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "lunar.log")
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.AI.APIKeys == nil {
		cfg.AI.APIKeys = map[string]string{}
	}
	if cfg.AI.Models == nil {
		cfg.AI.Models = map[string]string{}
	}
	return nil
}

// Watch reloads the file on every change and hands the new config to
// onChange. Load must be called first. Reload failures are passed as err
// and the previous config stays in effect.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil {
		return fmt.Errorf("config must be loaded before watching")
	}
	if _, err := os.Stat(l.GetConfigPath()); err != nil {
		return fmt.Errorf("config file is not watchable: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := decode(v)
		l.mu.Unlock()
		onChange(cfg, err)
	})
	v.WatchConfig()
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("ai", cfg.AI)
	v.Set("agent", cfg.Agent)
	v.Set("telegram", cfg.Telegram)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace_path", cfg.WorkspacePath)

	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
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
	return filepath.Join(home, dirName, fileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
