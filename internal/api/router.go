package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/history", s.handleSessionHistory)
		})
	})

	r.Get(s.wsPath(), s.handleWebSocket)

	// With the default root path any upgrade request is accepted,
	// whatever path the client asked for.
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		if s.wsPath() == "/" && websocket.IsWebSocketUpgrade(req) {
			s.handleWebSocket(w, req)
			return
		}
		writeNotFound(w, "not found")
	})

	return r
}

// HealthStatus is the body of GET /api/v1/health.
type HealthStatus struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Reader   string `json:"reader"`
	Sessions int    `json:"sessions"`
	Error    string `json:"error,omitempty"`
}

// handleHealth reports "degraded" with 503 once the serial reader stopped.
// Clients may still be connected in that state.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := HealthStatus{
		Status:   "ok",
		Version:  s.version,
		Reader:   "running",
		Sessions: s.sessions.Count(),
	}

	status := http.StatusOK
	if s.reader != nil {
		if err := s.reader.Err(); err != nil {
			health.Status = "degraded"
			health.Reader = "stopped"
			health.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	} else {
		health.Reader = "unknown"
	}

	writeJSON(w, status, health)
}
