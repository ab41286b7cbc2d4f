package mqtt

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bridge states published on the status topic.
const (
	StatusOnline   = "online"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusStopping = "stopping"
	StatusOffline  = "offline"
)

// StatusPayload is the JSON document retained on the status topic.
type StatusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`

	// Populated by periodic telemetry only.
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	Sessions      int    `json:"sessions,omitempty"`
	BytesRead     uint64 `json:"bytes_read,omitempty"`
	BytesWritten  uint64 `json:"bytes_written,omitempty"`
}

// NewStatus returns a payload stamped with the current time.
func NewStatus(status, clientID string) StatusPayload {
	return StatusPayload{
		Status:    status,
		ClientID:  clientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Marshal encodes the payload. Encoding a flat struct of strings and
// numbers cannot fail, so errors are swallowed.
func (p StatusPayload) Marshal() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return []byte(`{"status":"` + p.Status + `"}`)
	}
	return b
}
