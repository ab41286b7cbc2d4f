package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementBridgeStats is the measurement written once per telemetry interval.
const MeasurementBridgeStats = "bridge_stats"

// BridgeStats is one telemetry sample.
type BridgeStats struct {
	Port          string
	Status        string
	BytesRead     uint64
	BytesWritten  uint64
	Published     uint64
	Dropped       uint64
	Subscribers   int
	Sessions      int
	WriteErrors   uint64
	UptimeSeconds int64
	Time          time.Time
}

// NewBridgeStatsPoint builds the bridge_stats point for a sample. Counters
// are cumulative; rates are left to the query side.
func NewBridgeStatsPoint(s BridgeStats) *write.Point {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	return write.NewPoint(
		MeasurementBridgeStats,
		map[string]string{
			"port":   s.Port,
			"status": s.Status,
		},
		// #nosec G115 -- counters stay far below 2^63
		map[string]interface{}{
			"bytes_read":     int64(s.BytesRead),
			"bytes_written":  int64(s.BytesWritten),
			"published":      int64(s.Published),
			"dropped":        int64(s.Dropped),
			"write_errors":   int64(s.WriteErrors),
			"subscribers":    s.Subscribers,
			"sessions":       s.Sessions,
			"uptime_seconds": s.UptimeSeconds,
		},
		ts,
	)
}

// WriteBridgeStats queues a bridge_stats point. Non-blocking; a no-op when
// the client is closed or nil.
func (c *Client) WriteBridgeStats(s BridgeStats) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(NewBridgeStatsPoint(s))
	c.queued.Add(1)
}
