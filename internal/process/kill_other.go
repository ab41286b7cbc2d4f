//go:build !unix

package process

import "time"

// Logger defines the logging interface for KillRunning.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// KillRunning is not supported without POSIX signals.
func KillRunning(path string, _ time.Duration, _ Logger) (int, error) {
	pid, err := NewPIDFile(path).Read()
	if err != nil {
		return 0, err
	}
	return pid, ErrUnsupported
}

// processAlive cannot be determined here; a recorded PID is treated as
// stale so the file is overwritten.
func processAlive(int) bool {
	return false
}
