package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/porticus/internal/broadcast"
	"github.com/nerrad567/porticus/internal/infrastructure/mqtt"
	"github.com/nerrad567/porticus/internal/mirror"
	"github.com/nerrad567/porticus/internal/serial"
)

// SystemMetrics is the body of GET /api/v1/metrics.
type SystemMetrics struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	Reader        *serial.ReaderStats `json:"reader,omitempty"`
	Device        serial.DeviceStats  `json:"device"`
	Broadcast     broadcast.Stats     `json:"broadcast"`
	Sessions      SessionTotals       `json:"sessions"`
	MQTT          MQTTMetrics         `json:"mqtt"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// MQTTMetrics reports the optional MQTT connection.
type MQTTMetrics struct {
	Enabled   bool          `json:"enabled"`
	Connected bool          `json:"connected"`
	Traffic   *mqtt.Stats   `json:"traffic,omitempty"`
	Mirror    *mirror.Stats `json:"mirror,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Device:    s.device.Stats(),
		Broadcast: s.hub.Stats(),
		Sessions:  s.sessions.Totals(),
	}

	if s.reader != nil {
		stats := s.reader.Stats()
		metrics.Reader = &stats
	}

	if s.mqtt != nil {
		traffic := s.mqtt.Stats()
		metrics.MQTT = MQTTMetrics{
			Enabled:   true,
			Connected: s.mqtt.IsConnected(),
			Traffic:   &traffic,
		}
	}
	if s.mirror != nil {
		stats := s.mirror.Stats()
		metrics.MQTT.Mirror = &stats
	}

	writeJSON(w, http.StatusOK, metrics)
}
