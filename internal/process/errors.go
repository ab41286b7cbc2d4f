package process

import "errors"

// Domain-specific errors for process bookkeeping.
var (
	// ErrNotRunning is returned by KillRunning when there is no PID file or
	// the recorded process no longer exists.
	ErrNotRunning = errors.New("process: no running instance")

	// ErrAlreadyRunning is returned by Acquire when the PID file names a
	// live process.
	ErrAlreadyRunning = errors.New("process: another instance is running")

	// ErrInvalidPIDFile is returned when the PID file does not hold a
	// positive integer.
	ErrInvalidPIDFile = errors.New("process: invalid pid file")

	// ErrUnsupported is returned by KillRunning on platforms without POSIX signals.
	ErrUnsupported = errors.New("process: signalling not supported on this platform")
)
