package api

import (
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in encoding/json replacement used for every response.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Domain errors for the api package.
var (
	// ErrListen is returned by Start when the address cannot be bound.
	ErrListen = errors.New("api: listen failed")

	// ErrMissingDependency is returned by New when a required dependency is nil.
	ErrMissingDependency = errors.New("api: missing dependency")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("api: already started")

	// ErrNotStarted is returned by HealthCheck before Start.
	ErrNotStarted = errors.New("api: not started")

	// ErrListenerStopped is reported once the listener has stopped serving.
	ErrListenerStopped = errors.New("api: listener stopped")

	// ErrShuttingDown rejects new sessions during Close.
	ErrShuttingDown = errors.New("api: shutting down")
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
