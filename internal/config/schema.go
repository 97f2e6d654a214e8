// Package config provides configuration loading and management.
package config

import (
	"time"

	"github.com/storyloom/storyloom/internal/constants"
)

// Config is the top-level engine configuration, stored at
// ~/.storyloom/config.yaml and overridable via environment variables.
type Config struct {
	// API configures the Storyloom backend endpoints.
	API APIConfig `yaml:"api"`

	// Stream configures the conversation stream consumer.
	Stream StreamConfig `yaml:"stream"`

	// AutoAccept configures the auto-accept automation layer.
	AutoAccept AutoAcceptConfig `yaml:"auto_accept"`

	// History configures the client-local conversation cache.
	History HistoryConfig `yaml:"history"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig holds backend endpoint settings.
type APIConfig struct {
	// Endpoint is the backend base URL.
	Endpoint string `yaml:"endpoint"`
}

// StreamConfig holds stream consumer settings.
type StreamConfig struct {
	// Transport selects the stream transport: "http" or "websocket".
	Transport string `yaml:"transport"`

	// WatchdogTimeout bounds how long a turn may run without a terminal
	// event. Zero means the built-in default.
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`

	// PreemptGrace is how long a new send waits for a cancelled in-flight
	// stream before starting.
	PreemptGrace time.Duration `yaml:"preempt_grace"`
}

// AutoAcceptConfig holds auto-accept settings. The enabled flag itself is
// per-conversation and never persisted; only the gating knobs live here.
type AutoAcceptConfig struct {
	// Delay is the debounce before an auto-approval fires.
	Delay time.Duration `yaml:"delay"`

	// Policy is an optional CEL expression evaluated per pending batch
	// with the variables tool, category, estimated_cost and balance.
	// Empty means "allow everything affordable".
	Policy string `yaml:"policy"`
}

// HistoryConfig holds local cache settings.
type HistoryConfig struct {
	// DatabasePath is the DuckDB file for the local message cache.
	// Empty means ~/.storyloom/history.duckdb.
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Endpoint: constants.DefaultAPIEndpoint,
		},
		Stream: StreamConfig{
			Transport:       "http",
			WatchdogTimeout: constants.DefaultStreamWatchdog,
			PreemptGrace:    constants.DefaultPreemptGrace,
		},
		AutoAccept: AutoAcceptConfig{
			Delay: constants.DefaultAutoAcceptDelay,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}
