package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/storyloom/storyloom/internal/constants"
)

// Loader handles loading and saving configuration files.
type Loader struct {
	homeDir string
}

// NewLoader creates a new config loader.
// The base directory is resolved in this order:
//  1. STORYLOOM_CONFIG environment variable.
//  2. User home directory (~/).
//  3. /tmp/storyloom-fallback (environments without a home dir).
//
// The loader never returns an error. Where no home directory exists the
// fallback ensures Load still returns defaults with env overrides applied.
func NewLoader() *Loader {
	if baseDir := os.Getenv("STORYLOOM_CONFIG"); baseDir != "" {
		return &Loader{homeDir: baseDir}
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		return &Loader{homeDir: homeDir}
	}

	return &Loader{homeDir: "/tmp/storyloom-fallback"}
}

// ConfigPath returns the path to the config file.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.homeDir, constants.DefaultDir, constants.ConfigFile)
}

// DataDir returns the path to the engine's data directory.
func (l *Loader) DataDir() string {
	return filepath.Join(l.homeDir, constants.DefaultDir)
}

// HistoryDatabasePath returns the effective local cache database path.
func (l *Loader) HistoryDatabasePath(cfg *Config) string {
	if cfg.History.DatabasePath != "" {
		return cfg.History.DatabasePath
	}
	return filepath.Join(l.DataDir(), constants.DefaultHistoryDatabase)
}

// Load reads the config file, applies defaults for missing fields and then
// environment overrides. A missing config file is not an error.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(l.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config file, creating the data directory if needed.
func (l *Loader) Save(cfg *Config) error {
	if err := os.MkdirAll(l.DataDir(), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(l.ConfigPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STORYLOOM_API_ENDPOINT"); v != "" {
		cfg.API.Endpoint = v
	}
	if v := os.Getenv("STORYLOOM_STREAM_TRANSPORT"); v != "" {
		cfg.Stream.Transport = v
	}
	if v := os.Getenv("STORYLOOM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
