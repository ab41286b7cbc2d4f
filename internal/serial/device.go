package serial

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	bugst "go.bug.st/serial"

	"github.com/nerrad567/porticus/internal/infrastructure/config"
)

const (
	// maxPendingWrites bounds consecutive would-block results inside one Write.
	maxPendingWrites = 100

	// writeBackoff is the pause between would-block write attempts.
	writeBackoff = time.Millisecond
)

// Port is the subset of a serial port the bridge needs. go.bug.st/serial
// ports satisfy it, and so do pseudo-terminals and in-memory fakes.
type Port interface {
	io.ReadWriteCloser
}

// Device owns one open serial port and splits it into a single read side
// and a shared, serialised write side.
//
// Thread Safety:
//   - Reader may be claimed once.
//   - Write is safe for concurrent use; each call is written in full before
//     any other caller's bytes reach the device.
type Device struct {
	name string
	port Port

	writeMu sync.Mutex
	claimed atomic.Bool
	closed  atomic.Bool

	closeOnce sync.Once
	closeErr  error

	bytesWritten atomic.Uint64
	writes       atomic.Uint64
	writeErrors  atomic.Uint64
}

// DeviceStats is a snapshot of device write counters.
type DeviceStats struct {
	Name         string `json:"name"`
	BytesWritten uint64 `json:"bytes_written"`
	Writes       uint64 `json:"writes"`
	WriteErrors  uint64 `json:"write_errors"`
	Closed       bool   `json:"closed"`
}

// Open opens and configures the serial port named in cfg (8N1 framing).
//
// Parameters:
//   - cfg: Serial configuration (port, baud rate, read timeout)
//
// Returns:
//   - *Device: Ready device
//   - error: ErrOpen wrapping the driver error
func Open(cfg config.SerialConfig) (*Device, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}

	port, err := bugst.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, cfg.Port, err)
	}

	if cfg.ReadTimeoutMS > 0 {
		timeout := time.Duration(cfg.ReadTimeoutMS) * time.Millisecond
		if err := port.SetReadTimeout(timeout); err != nil {
			port.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("%w: setting read timeout on %s: %w", ErrOpen, cfg.Port, err)
		}
	}

	return New(port, cfg.Port), nil
}

// New wraps an already open port.
func New(port Port, name string) *Device {
	return &Device{name: name, port: port}
}

// Name returns the device path the port was opened from.
func (d *Device) Name() string {
	return d.name
}

// Reader hands out the read side of the device. It succeeds once; the
// bridge runs exactly one reader per device.
//
// Reads from the returned reader report ErrPending for would-block and
// timeout conditions and ErrDeviceRead for everything else.
func (d *Device) Reader() (io.Reader, error) {
	if !d.claimed.CompareAndSwap(false, true) {
		return nil, ErrReaderClaimed
	}
	return &deviceReader{d: d}, nil
}

// Writer returns the shared write side of the device.
func (d *Device) Writer() io.Writer {
	return d
}

// Write sends all of p to the device while holding the write lock, so
// concurrent callers never interleave.
func (d *Device) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	written := 0
	pending := 0
	for written < len(p) {
		n, err := d.port.Write(p[written:])
		written += n

		switch {
		case err == nil && n == 0:
			d.writeErrors.Add(1)
			d.bytesWritten.Add(uint64(written))
			return written, fmt.Errorf("%w: %s: %w", ErrDeviceWrite, d.name, io.ErrShortWrite)
		case err == nil:
			pending = 0
		case isPending(err) && pending < maxPendingWrites:
			pending++
			time.Sleep(writeBackoff)
		default:
			d.writeErrors.Add(1)
			d.bytesWritten.Add(uint64(written))
			return written, fmt.Errorf("%w: %s: %w", ErrDeviceWrite, d.name, err)
		}
	}

	d.writes.Add(1)
	d.bytesWritten.Add(uint64(written))
	return written, nil
}

// Stats returns a snapshot of the write counters.
func (d *Device) Stats() DeviceStats {
	return DeviceStats{
		Name:         d.name,
		BytesWritten: d.bytesWritten.Load(),
		Writes:       d.writes.Load(),
		WriteErrors:  d.writeErrors.Load(),
		Closed:       d.closed.Load(),
	}
}

// Close closes the underlying port. A blocked read returns with an error.
// Close is idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.closeErr = d.port.Close()
	})
	return d.closeErr
}

type deviceReader struct {
	d *Device
}

func (r *deviceReader) Read(p []byte) (int, error) {
	n, err := r.d.port.Read(p)
	if err == nil {
		return n, nil
	}
	if isPending(err) {
		return n, fmt.Errorf("%w: %w", ErrPending, err)
	}
	return n, fmt.Errorf("%w: %s: %w", ErrDeviceRead, r.d.name, err)
}
