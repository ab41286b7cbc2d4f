package serial

import (
	"errors"
	"os"
	"syscall"
)

// Domain errors for the serial package.
var (
	// ErrOpen is returned when the device cannot be opened or configured.
	ErrOpen = errors.New("serial: open failed")

	// ErrPending means the device had no data ready. The read should be
	// retried after a short backoff.
	ErrPending = errors.New("serial: no data pending")

	// ErrDeviceRead wraps a hard read failure. The reader stops on it.
	ErrDeviceRead = errors.New("serial: device read failed")

	// ErrDeviceWrite wraps a write failure.
	ErrDeviceWrite = errors.New("serial: device write failed")

	// ErrReaderClaimed is returned when the read side was already handed out.
	ErrReaderClaimed = errors.New("serial: reader already claimed")

	// ErrReaderStopped is returned by Reader.Run after a hard read error.
	ErrReaderStopped = errors.New("serial: reader stopped permanently")

	// ErrAlreadyRunning is returned when Reader.Run is called twice.
	ErrAlreadyRunning = errors.New("serial: reader already running")

	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("serial: device closed")
)

type timeoutError interface {
	Timeout() bool
}

// isPending reports whether err only means "try again later".
func isPending(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) {
		return true
	}
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}
