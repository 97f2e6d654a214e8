package config

import (
	"fmt"
	"net/url"
)

// Validate checks a configuration for internally inconsistent or unusable
// values. It is called by Loader.Load after defaults and env overrides.
func Validate(cfg *Config) error {
	if cfg.API.Endpoint == "" {
		return fmt.Errorf("api.endpoint is required")
	}
	u, err := url.Parse(cfg.API.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.endpoint %q is not a valid URL", cfg.API.Endpoint)
	}

	switch cfg.Stream.Transport {
	case "http", "websocket":
	default:
		return fmt.Errorf("stream.transport %q is invalid (expected http or websocket)", cfg.Stream.Transport)
	}

	if cfg.Stream.WatchdogTimeout < 0 {
		return fmt.Errorf("stream.watchdog_timeout must not be negative")
	}
	if cfg.Stream.PreemptGrace < 0 {
		return fmt.Errorf("stream.preempt_grace must not be negative")
	}
	if cfg.AutoAccept.Delay < 0 {
		return fmt.Errorf("auto_accept.delay must not be negative")
	}

	return nil
}
