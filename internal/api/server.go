package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/porticus/internal/audit"
	"github.com/nerrad567/porticus/internal/broadcast"
	"github.com/nerrad567/porticus/internal/infrastructure/config"
	"github.com/nerrad567/porticus/internal/infrastructure/logging"
	"github.com/nerrad567/porticus/internal/infrastructure/mqtt"
	"github.com/nerrad567/porticus/internal/mirror"
	"github.com/nerrad567/porticus/internal/serial"
)

const (
	// gracefulShutdownTimeout bounds Close: in-flight HTTP requests and
	// running sessions get this long to finish.
	gracefulShutdownTimeout = 10 * time.Second

	// readHeaderTimeout protects the listener from clients that never
	// finish their handshake request.
	readHeaderTimeout = 10 * time.Second

	// recordTimeout bounds writing one finished session to the session log.
	recordTimeout = 5 * time.Second
)

// Device is the shared write side of the serial device.
type Device interface {
	io.Writer
	Stats() serial.DeviceStats
}

// MirrorStatus exposes the MQTT mirror's counters.
type MirrorStatus interface {
	Stats() mirror.Stats
}

// ReaderStatus exposes the serial reader's state.
type ReaderStatus interface {
	Stats() serial.ReaderStats
	Err() error
}

// Deps holds the dependencies required by the server.
type Deps struct {
	Config    config.WebSocketConfig
	LagPolicy string
	Logger    *logging.Logger
	Hub       *broadcast.Hub
	Device    Device
	Reader    ReaderStatus     // optional
	History   audit.Repository // optional: session log
	MQTT      *mqtt.Client     // optional: reported in metrics
	Mirror    MirrorStatus     // optional: reported in metrics
	Version   string
}

// Server accepts WebSocket clients and serves the status endpoints.
type Server struct {
	cfg       config.WebSocketConfig
	lagPolicy string
	logger    *logging.Logger
	hub       *broadcast.Hub
	device    Device
	reader    ReaderStatus
	history   audit.Repository
	mqtt      *mqtt.Client
	mirror    MirrorStatus
	version   string
	upgrader  websocket.Upgrader
	sessions  *SessionRegistry
	startTime time.Time

	server   *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// errMu guards err and listener.
	errMu sync.RWMutex
	err   error
}

// New creates a server. Nothing listens until Start is called.
//
// Returns:
//   - *Server: Configured server
//   - error: ErrMissingDependency if the logger, hub or device is nil
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("%w: broadcast hub", ErrMissingDependency)
	}
	if deps.Device == nil {
		return nil, fmt.Errorf("%w: serial device", ErrMissingDependency)
	}

	s := &Server{
		cfg:       deps.Config,
		lagPolicy: deps.LagPolicy,
		logger:    deps.Logger.Component("api"),
		hub:       deps.Hub,
		device:    deps.Device,
		reader:    deps.Reader,
		history:   deps.History,
		mqtt:      deps.MQTT,
		mirror:    deps.Mirror,
		version:   deps.Version,
		done:      make(chan struct{}),
	}
	s.sessions = NewSessionRegistry(s.logger)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  deps.Config.ReadBufferSize,
		WriteBufferSize: deps.Config.WriteBufferSize,
	}
	if !deps.Config.CheckOrigin {
		// Serial consoles are commonly opened from file:// pages and
		// tools with no Origin at all.
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	return s, nil
}

// Start binds the listener and serves in the background.
//
// Parameters:
//   - ctx: Parent context; cancelling it ends every session
//
// Returns:
//   - error: ErrListen if the address cannot be bound, ErrAlreadyStarted on a second call
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrListen, addr, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errMu.Lock()
	s.listener = ln
	s.errMu.Unlock()
	s.startTime = time.Now()
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.logger.Info("listening for websocket clients",
		"address", ln.Addr().String(),
		"path", s.wsPath(),
	)

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.setErr(err)
			s.logger.Error("listener stopped unexpectedly", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done is closed when the listener stops serving.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the listener, or nil.
func (s *Server) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

func (s *Server) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Sessions returns the registry of active sessions.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// Close stops accepting clients, ends every session and waits for them,
// up to gracefulShutdownTimeout.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("websocket listener shutting down", "sessions", s.sessions.Count())

	s.cancel()
	shutdownErr := s.server.Shutdown(ctx)

	if err := s.sessions.Wait(ctx); err != nil {
		s.logger.Warn("sessions still running after shutdown timeout", "sessions", s.sessions.Count())
	}

	if shutdownErr != nil {
		return fmt.Errorf("shutting down listener: %w", shutdownErr)
	}
	return nil
}

// HealthCheck reports whether the listener is up.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return ErrNotStarted
	}
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrListenerStopped, err)
		}
		return ErrListenerStopped
	default:
	}
	return nil
}

func (s *Server) wsPath() string {
	if s.cfg.Path == "" {
		return "/"
	}
	return s.cfg.Path
}

