package stream

import (
	"errors"
	"fmt"
)

// The consumer distinguishes deliberate stops from failures so callers can
// suppress noisy error surfaces for user-requested cancellation.
var (
	// ErrCanceled marks a user-requested cancellation of the stream.
	ErrCanceled = errors.New("stream canceled")

	// ErrTimeout marks a watchdog expiry: no terminal event arrived in
	// time and the stream was forcibly finalized.
	ErrTimeout = errors.New("stream timed out waiting for a terminal event")
)

// NetworkError wraps a transport-level read failure. The turn is aborted but
// the transcript is left consistent so the caller can retry.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("stream network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is an unrecoverable error reported by the backend through an
// "error" event.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("stream server error: %s", e.Message)
}

// IsCancellation reports whether err is a deliberate user stop.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCanceled)
}
