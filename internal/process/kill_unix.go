//go:build unix

package process

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const killPollInterval = 50 * time.Millisecond

// Logger defines the logging interface for KillRunning.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// KillRunning stops the instance recorded in the PID file at path.
//
// It sends SIGTERM and waits up to timeout for the process to exit, then
// sends SIGKILL. The PID file is removed once the process is gone, and
// also when it turns out to be stale.
//
// Returns:
//   - int: the PID that was signalled
//   - error: ErrNotRunning if there is no PID file or the process is
//     already gone
func KillRunning(path string, timeout time.Duration, logger Logger) (int, error) {
	pf := NewPIDFile(path)
	pid, err := pf.Read()
	if err != nil {
		return 0, err
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			pf.Remove() //nolint:errcheck // stale file, best effort
			return pid, fmt.Errorf("%w: stale pid %d", ErrNotRunning, pid)
		}
		return pid, fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	logger.Info("sent SIGTERM", "pid", pid)

	deadline := time.Now().Add(timeout)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			logger.Warn("graceful shutdown timeout, sending SIGKILL", "pid", pid, "timeout", timeout)
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return pid, fmt.Errorf("killing pid %d: %w", pid, err)
			}
			break
		}
		time.Sleep(killPollInterval)
	}

	// The instance removes its own file on a clean exit; this covers SIGKILL.
	if err := pf.Remove(); err != nil {
		return pid, err
	}
	return pid, nil
}

// processAlive reports whether pid exists. EPERM means it exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
