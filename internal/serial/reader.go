package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Default reader settings.
const (
	DefaultBufferSize     = 1024
	DefaultPendingBackoff = 10 * time.Millisecond
)

// Publisher receives data read from the device. broadcast.Hub satisfies it.
type Publisher interface {
	Publish(chunk []byte) uint64
}

// Logger defines the logging interface for the serial reader.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// BufferSize is the size of the read buffer. Default: 1024
	BufferSize int

	// PendingBackoff is the sleep after an ErrPending read. Default: 10ms
	PendingBackoff time.Duration

	// PerByte publishes every byte as its own chunk instead of one chunk
	// per read.
	PerByte bool
}

// ReaderStats is a snapshot of reader counters.
type ReaderStats struct {
	Running      bool   `json:"running"`
	Stopped      bool   `json:"stopped"`
	BytesRead    uint64 `json:"bytes_read"`
	Published    uint64 `json:"published"`
	PendingWaits uint64 `json:"pending_waits"`
	EmptyReads   uint64 `json:"empty_reads"`
	LastError    string `json:"last_error,omitempty"`
}

// Reader is the single loop that moves bytes from the device into the
// broadcast hub.
//
// A hard read error stops the reader for good: it is logged, recorded, and
// Done is closed. There is no reconnect.
type Reader struct {
	src    io.Reader
	pub    Publisher
	cfg    ReaderConfig
	logger Logger

	started atomic.Bool
	running atomic.Bool
	done    chan struct{}
	doneMu  sync.Once

	errMu sync.RWMutex
	err   error

	bytesRead    atomic.Uint64
	published    atomic.Uint64
	pendingWaits atomic.Uint64
	emptyReads   atomic.Uint64
}

// NewReader creates a reader for src that publishes to pub.
func NewReader(src io.Reader, pub Publisher, cfg ReaderConfig) *Reader {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PendingBackoff <= 0 {
		cfg.PendingBackoff = DefaultPendingBackoff
	}

	return &Reader{
		src:    src,
		pub:    pub,
		cfg:    cfg,
		logger: noopLogger{},
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the reader.
func (r *Reader) SetLogger(logger Logger) {
	r.logger = logger
}

// Run reads until ctx is cancelled or the device fails.
//
// Returns:
//   - nil when ctx was cancelled
//   - ErrReaderStopped wrapping the device error after a hard failure
//   - ErrAlreadyRunning if Run was called before
func (r *Reader) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.Info("serial reader started",
		"buffer_size", r.cfg.BufferSize,
		"per_byte", r.cfg.PerByte,
	)

	buf := make([]byte, r.cfg.BufferSize)
	for {
		if ctx.Err() != nil {
			r.finish(nil)
			r.logger.Info("serial reader stopped")
			return nil
		}

		n, err := r.src.Read(buf)
		if n > 0 {
			r.publish(buf[:n])
		}

		switch {
		case err == nil:
			if n == 0 {
				r.emptyReads.Add(1)
			}

		case errors.Is(err, ErrPending):
			r.pendingWaits.Add(1)
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.PendingBackoff):
			}

		case ctx.Err() != nil:
			// Closing the device during shutdown surfaces here as a read error.
			r.finish(nil)
			r.logger.Info("serial reader stopped")
			return nil

		default:
			stopErr := fmt.Errorf("%w: %w", ErrReaderStopped, err)
			r.finish(stopErr)
			r.logger.Error("serial reader stopped permanently, no further device data will be relayed",
				"error", err,
				"bytes_read", r.bytesRead.Load(),
			)
			return stopErr
		}
	}
}

func (r *Reader) publish(data []byte) {
	r.bytesRead.Add(uint64(len(data)))

	if !r.cfg.PerByte {
		r.pub.Publish(data)
		r.published.Add(1)
		return
	}

	for i := range data {
		r.pub.Publish(data[i : i+1])
	}
	r.published.Add(uint64(len(data)))
}

func (r *Reader) finish(err error) {
	r.doneMu.Do(func() {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		close(r.done)
	})
}

// Done is closed when Run returns.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that stopped the reader, or nil if it is still
// running or stopped because of cancellation.
func (r *Reader) Err() error {
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	return r.err
}

// Stats returns a snapshot of reader counters.
func (r *Reader) Stats() ReaderStats {
	stats := ReaderStats{
		Running:      r.running.Load(),
		BytesRead:    r.bytesRead.Load(),
		Published:    r.published.Load(),
		PendingWaits: r.pendingWaits.Load(),
		EmptyReads:   r.emptyReads.Load(),
	}

	select {
	case <-r.done:
		stats.Stopped = true
	default:
	}

	if err := r.Err(); err != nil {
		stats.LastError = err.Error()
	}
	return stats
}
