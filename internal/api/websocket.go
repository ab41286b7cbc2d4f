package api

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/nerrad567/porticus/internal/audit"
	"github.com/nerrad567/porticus/internal/infrastructure/logging"
	"github.com/nerrad567/porticus/internal/relay"
)

// SessionRegistry tracks running sessions and counts finished ones.
type SessionRegistry struct {
	logger *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*relay.Session
	closing  bool
	wg       sync.WaitGroup
	total    uint64
	byReason map[relay.Reason]uint64
}

// SessionTotals summarises finished sessions.
type SessionTotals struct {
	Active   int               `json:"active"`
	Total    uint64            `json:"total"`
	ByReason map[string]uint64 `json:"by_reason"`
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(logger *logging.Logger) *SessionRegistry {
	return &SessionRegistry{
		logger:   logger,
		sessions: make(map[string]*relay.Session),
		byReason: make(map[relay.Reason]uint64),
	}
}

// Register adds a session. It fails with ErrShuttingDown once Wait was called.
func (r *SessionRegistry) Register(sess *relay.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return ErrShuttingDown
	}
	r.sessions[sess.ID()] = sess
	r.total++
	r.wg.Add(1)
	return nil
}

// Unregister removes a finished session and counts its end reason.
func (r *SessionRegistry) Unregister(result relay.Result) {
	r.mu.Lock()
	_, existed := r.sessions[result.ID]
	delete(r.sessions, result.ID)
	if existed {
		r.byReason[result.Reason]++
	}
	r.mu.Unlock()

	if existed {
		r.wg.Done()
	}
}

// Count returns the number of running sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns running sessions, oldest first.
func (r *SessionRegistry) List() []relay.Info {
	r.mu.RLock()
	infos := make([]relay.Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, sess.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Totals returns session counters.
func (r *SessionRegistry) Totals() SessionTotals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byReason := make(map[string]uint64, len(r.byReason))
	for reason, n := range r.byReason {
		byReason[string(reason)] = n
	}
	return SessionTotals{
		Active:   len(r.sessions),
		Total:    r.total,
		ByReason: byReason,
	}
}

// Wait refuses new sessions and blocks until every registered session has
// finished or ctx is done.
func (r *SessionRegistry) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleWebSocket upgrades the request and runs a relay session on the
// handler goroutine until the session ends.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so that a client sees
	// everything published after it was told it is connected.
	sub := s.hub.Subscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		// Upgrade has already written the HTTP error response.
		s.logger.Warn("websocket handshake failed",
			"peer", r.RemoteAddr,
			"error", err,
		)
		return
	}

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(s.cfg.MaxMessageSize))
	}

	sess := relay.New(relay.Options{
		Peer:         r.RemoteAddr,
		Conn:         conn,
		Subscription: sub,
		Device:       s.device,
		LagPolicy:    s.lagPolicy,
		WriteTimeout: s.cfg.GetWriteTimeout(),
		Logger:       s.logger.Component("session"),
	})

	if err := s.sessions.Register(sess); err != nil {
		sub.Close()
		conn.Close() //nolint:errcheck // rejecting during shutdown
		return
	}

	s.logger.Info("client connected",
		"session", sess.ID(),
		"peer", r.RemoteAddr,
		"sessions", s.sessions.Count(),
	)

	result := sess.Run(s.ctx)
	s.sessions.Unregister(result)
	s.record(result)
}

// record stores a finished session in the session log, if one is configured.
func (s *Server) record(result relay.Result) {
	if s.history == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := s.history.Record(ctx, audit.FromResult(result)); err != nil {
		s.logger.Warn("failed to record session", "session", result.ID, "error", err)
	}
}
