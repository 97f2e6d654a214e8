// Package constants defines shared configuration constants.
package constants

import "time"

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".storyloom"

	// DefaultHistoryDatabase is the client-local conversation cache,
	// relative to DefaultDir.
	DefaultHistoryDatabase = "history.duckdb"

	// DefaultAPIEndpoint is the Storyloom backend base URL.
	DefaultAPIEndpoint = "http://localhost:8700"
)

const (
	// DefaultStreamWatchdog bounds how long a turn may run without a
	// terminal event before the stream is forcibly finalized.
	DefaultStreamWatchdog = 5 * time.Minute

	// DefaultPreemptGrace is how long a new send waits for a cancelled
	// in-flight stream to wind down before starting its own.
	DefaultPreemptGrace = 2 * time.Second

	// DefaultAutoAcceptDelay is the debounce before auto-accept fires,
	// leaving room for a last-moment manual decision.
	DefaultAutoAcceptDelay = 1500 * time.Millisecond

	// HistoryMessageCap is the per-conversation cap on locally cached
	// messages.
	HistoryMessageCap = 50
)
