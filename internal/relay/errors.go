package relay

import "errors"

// Domain errors for the relay package.
var (
	// ErrLagDisconnect is recorded when a session is ended because it fell
	// behind and the lag policy is "disconnect".
	ErrLagDisconnect = errors.New("relay: client too slow, disconnected")

	// ErrAlreadyRun is returned when Run is called more than once.
	ErrAlreadyRun = errors.New("relay: session already run")
)
