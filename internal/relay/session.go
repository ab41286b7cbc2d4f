package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/porticus/internal/broadcast"
)

// closeWriteTimeout bounds the close frame written when a session ends.
const closeWriteTimeout = time.Second

// Lag policies.
const (
	LagSkip       = "skip"
	LagDisconnect = "disconnect"
)

// Reason says why a session ended.
type Reason string

// Session end reasons.
const (
	ReasonClientClosed      Reason = "client_closed"
	ReasonReceiveFailed     Reason = "receive_failed"
	ReasonSendFailed        Reason = "send_failed"
	ReasonDeviceWriteFailed Reason = "device_write_failed"
	ReasonLagged            Reason = "lagged"
	ReasonHubClosed         Reason = "hub_closed"
	ReasonShutdown          Reason = "shutdown"
)

// Conn is the client connection a session relays over. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Subscription is the session's cursor into the broadcast hub.
type Subscription interface {
	Recv(ctx context.Context) ([]byte, error)
	Close()
}

// Logger defines the logging interface for sessions.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Session.
type Options struct {
	// ID identifies the session in logs and the session log. Generated if empty.
	ID string

	// Peer is the client's remote address.
	Peer string

	Conn         Conn
	Subscription Subscription

	// Device is the shared, serialised write side of the serial device.
	Device io.Writer

	// LagPolicy is LagSkip (default) or LagDisconnect.
	LagPolicy string

	// WriteTimeout bounds each outbound message. Zero means no deadline.
	WriteTimeout time.Duration

	Logger Logger
}

// Result describes a finished session.
type Result struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Reason    Reason    `json:"reason"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
	ChunksOut uint64    `json:"chunks_out"`
	Lagged    uint64    `json:"lagged"`
	Err       error     `json:"-"`
}

// Info is a live snapshot of a running session.
type Info struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	StartedAt time.Time `json:"started_at"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
	ChunksOut uint64    `json:"chunks_out"`
	Lagged    uint64    `json:"lagged"`
}

// Session relays one client: hub → client (outbound) and client → device
// (inbound). The two directions share one fate. Whichever ends first
// cancels the other, and Run returns once both have stopped.
type Session struct {
	id        string
	peer      string
	conn      Conn
	sub       Subscription
	device    io.Writer
	lagPolicy string
	writeTO   time.Duration
	logger    Logger

	ran       atomic.Bool
	startedAt atomic.Int64

	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	chunksOut atomic.Uint64
	lagged    atomic.Uint64
}

// endError carries the reason a direction stopped through the errgroup.
type endError struct {
	reason Reason
	err    error
}

func (e *endError) Error() string {
	if e.err == nil {
		return string(e.reason)
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *endError) Unwrap() error {
	return e.err
}

// New creates a session. It does not start relaying until Run.
func New(opts Options) *Session {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.LagPolicy == "" {
		opts.LagPolicy = LagSkip
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Session{
		id:        opts.ID,
		peer:      opts.Peer,
		conn:      opts.Conn,
		sub:       opts.Subscription,
		device:    opts.Device,
		lagPolicy: opts.LagPolicy,
		writeTO:   opts.WriteTimeout,
		logger:    opts.Logger,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Info returns a snapshot of the session's counters.
func (s *Session) Info() Info {
	return Info{
		ID:        s.id,
		Peer:      s.peer,
		StartedAt: time.Unix(0, s.startedAt.Load()),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
		ChunksOut: s.chunksOut.Load(),
		Lagged:    s.lagged.Load(),
	}
}

// Run relays until either direction ends or ctx is cancelled. The
// connection and subscription are closed before Run returns.
func (s *Session) Run(ctx context.Context) Result {
	started := time.Now()
	s.startedAt.Store(started.UnixNano())

	if !s.ran.CompareAndSwap(false, true) {
		return Result{ID: s.id, Peer: s.peer, StartedAt: started, EndedAt: started, Reason: ReasonShutdown, Err: ErrAlreadyRun}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Neither ReadMessage nor WriteMessage takes a context. Expired deadlines
	// unblock both directions at once; closing the connection is the backstop
	// for conns whose in-flight writes ignore deadlines.
	var backstop atomic.Pointer[time.Timer]
	stop := context.AfterFunc(gctx, func() {
		s.abortIO()
		backstop.Store(time.AfterFunc(closeWriteTimeout, func() { _ = s.conn.Close() }))
	})
	defer func() {
		stop()
		if t := backstop.Load(); t != nil {
			t.Stop()
		}
	}()

	g.Go(func() error { return s.outbound(gctx) })
	g.Go(func() error { return s.inbound(gctx) })

	reason, cause := ReasonShutdown, error(nil)
	var end *endError
	if err := g.Wait(); errors.As(err, &end) {
		reason, cause = end.reason, end.err
	}

	s.sub.Close()
	s.closeConn(reason)

	result := Result{
		ID:        s.id,
		Peer:      s.peer,
		StartedAt: started,
		EndedAt:   time.Now(),
		Reason:    reason,
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
		ChunksOut: s.chunksOut.Load(),
		Lagged:    s.lagged.Load(),
		Err:       cause,
	}

	args := []any{
		"session", s.id,
		"peer", s.peer,
		"reason", reason,
		"bytes_in", result.BytesIn,
		"bytes_out", result.BytesOut,
		"duration", result.EndedAt.Sub(started).Round(time.Millisecond),
	}
	if cause != nil {
		s.logger.Warn("session ended", append(args, "error", cause)...)
	} else {
		s.logger.Info("session ended", args...)
	}

	return result
}

// outbound forwards hub chunks to the client.
func (s *Session) outbound(ctx context.Context) error {
	for {
		chunk, err := s.sub.Recv(ctx)

		var lagged *broadcast.LaggedError
		switch {
		case err == nil:
		case errors.As(err, &lagged):
			s.lagged.Add(lagged.Missed)
			if s.lagPolicy == LagDisconnect {
				return &endError{reason: ReasonLagged, err: fmt.Errorf("%w: %d chunks dropped", ErrLagDisconnect, lagged.Missed)}
			}
			s.logger.Warn("client lagging, chunks dropped",
				"session", s.id,
				"missed", lagged.Missed,
			)
			continue
		case errors.Is(err, broadcast.ErrClosed):
			return &endError{reason: ReasonHubClosed}
		default:
			return &endError{reason: ReasonShutdown}
		}

		if s.writeTO > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTO))
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return &endError{reason: ReasonSendFailed, err: err}
		}

		s.bytesOut.Add(uint64(len(chunk)))
		s.chunksOut.Add(1)
	}
}

// inbound forwards client messages to the device.
func (s *Session) inbound(ctx context.Context) error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return &endError{reason: ReasonShutdown}
			case websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived):
				return &endError{reason: ReasonClientClosed}
			default:
				return &endError{reason: ReasonReceiveFailed, err: err}
			}
		}

		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}

		if _, err := s.device.Write(data); err != nil {
			return &endError{reason: ReasonDeviceWriteFailed, err: err}
		}
		s.bytesIn.Add(uint64(len(data)))

		s.logger.Debug("client payload written to device",
			"session", s.id,
			"bytes", len(data),
		)
	}
}

// abortIO expires both deadlines. gorilla's SetWriteDeadline only applies
// to the next frame, so a write already blocked on a peer that stopped
// reading needs the deadline on the underlying net.Conn.
func (s *Session) abortIO() {
	now := time.Now()
	_ = s.conn.SetReadDeadline(now)
	if nc, ok := s.conn.(interface{ NetConn() net.Conn }); ok && nc.NetConn() != nil {
		_ = nc.NetConn().SetWriteDeadline(now)
	}
}

// closeConn sends a best-effort close frame where the connection is still
// usable, then closes it.
func (s *Session) closeConn(reason Reason) {
	code := -1
	switch reason {
	case ReasonShutdown, ReasonHubClosed:
		code = websocket.CloseGoingAway
	case ReasonLagged:
		code = websocket.ClosePolicyViolation
	case ReasonDeviceWriteFailed:
		code = websocket.CloseInternalServerErr
	}

	if code > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	}
	_ = s.conn.Close()
}
