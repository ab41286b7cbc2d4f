package bridge

import "errors"

// Domain-specific errors for the bridge.
var (
	// ErrReaderFailed is returned by Run when the serial reader stopped and
	// the bridge is configured to exit on reader failure.
	ErrReaderFailed = errors.New("bridge: serial reader failed")

	// ErrListenerStopped is returned by Run when the WebSocket listener
	// stopped without being asked to.
	ErrListenerStopped = errors.New("bridge: websocket listener stopped")

	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("bridge: already running")
)
