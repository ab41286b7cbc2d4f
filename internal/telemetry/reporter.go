package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/porticus/internal/broadcast"
	"github.com/nerrad567/porticus/internal/infrastructure/influxdb"
	"github.com/nerrad567/porticus/internal/infrastructure/mqtt"
	"github.com/nerrad567/porticus/internal/serial"
)

const defaultInterval = 30 * time.Second

// Publisher publishes status documents. Typically the MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MetricsWriter records telemetry samples. Typically the InfluxDB client.
type MetricsWriter interface {
	WriteBridgeStats(s influxdb.BridgeStats)
}

// ReaderStatus exposes the serial reader's state.
type ReaderStatus interface {
	Stats() serial.ReaderStats
	Err() error
}

// DeviceStatus exposes the serial device's write counters.
type DeviceStatus interface {
	Stats() serial.DeviceStats
}

// HubStatus exposes the broadcast hub's counters.
type HubStatus interface {
	Stats() broadcast.Stats
}

// SessionCounter reports the number of connected clients.
type SessionCounter interface {
	Count() int
}

// Logger defines the logging interface for the reporter.
type Logger interface {
	Error(msg string, args ...any)
}

// Config holds configuration for the Reporter.
type Config struct {
	// ClientID identifies this bridge in status documents.
	ClientID string

	// Port is the serial device name, used as an InfluxDB tag.
	Port string

	// Topic is the status topic. Default: mqtt.Topics{}.Status().
	Topic string
	QoS   byte

	// Interval between reports. Default: 30 seconds.
	Interval time.Duration

	Publisher Publisher     // optional
	Metrics   MetricsWriter // optional

	Reader   ReaderStatus
	Device   DeviceStatus
	Hub      HubStatus
	Sessions SessionCounter // optional
}

// Reporter publishes periodic bridge status.
type Reporter struct {
	cfg       Config
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewReporter creates a reporter. Call Start to begin reporting.
func NewReporter(cfg Config) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Topic == "" {
		cfg.Topic = mqtt.Topics{}.Status()
	}
	return &Reporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for publish failures.
func (r *Reporter) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Start reports once immediately and then every interval, until ctx is
// cancelled or Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		r.publish(r.status(mqtt.StatusStopping, ""))
	})
}

// ReportNow publishes the current status and writes a metrics sample.
func (r *Reporter) ReportNow() error {
	state, reason := r.determineStatus()
	status := r.status(state, reason)

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.WriteBridgeStats(r.sample(state))
	}
	return r.publish(status)
}

func (r *Reporter) reportLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	if err := r.ReportNow(); err != nil {
		r.logError("failed to publish initial status", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.ReportNow(); err != nil {
				r.logError("failed to publish status", err)
			}
		}
	}
}

// determineStatus is degraded once the serial reader has stopped, healthy
// otherwise. Clients may still be connected while degraded.
func (r *Reporter) determineStatus() (state, reason string) {
	if r.cfg.Reader != nil {
		if err := r.cfg.Reader.Err(); err != nil {
			return mqtt.StatusDegraded, err.Error()
		}
	}
	return mqtt.StatusHealthy, ""
}

func (r *Reporter) status(state, reason string) mqtt.StatusPayload {
	status := mqtt.NewStatus(state, r.cfg.ClientID)
	status.Error = reason
	status.UptimeSeconds = int64(time.Since(r.startTime).Seconds())
	status.Sessions = r.sessions()
	if r.cfg.Reader != nil {
		status.BytesRead = r.cfg.Reader.Stats().BytesRead
	}
	if r.cfg.Device != nil {
		status.BytesWritten = r.cfg.Device.Stats().BytesWritten
	}
	return status
}

func (r *Reporter) sample(state string) influxdb.BridgeStats {
	s := influxdb.BridgeStats{
		Port:          r.cfg.Port,
		Status:        state,
		Sessions:      r.sessions(),
		UptimeSeconds: int64(time.Since(r.startTime).Seconds()),
		Time:          time.Now(),
	}
	if r.cfg.Reader != nil {
		s.BytesRead = r.cfg.Reader.Stats().BytesRead
	}
	if r.cfg.Device != nil {
		ds := r.cfg.Device.Stats()
		s.BytesWritten = ds.BytesWritten
		s.WriteErrors = ds.WriteErrors
	}
	if r.cfg.Hub != nil {
		hs := r.cfg.Hub.Stats()
		s.Published = hs.Published
		s.Dropped = hs.Dropped
		s.Subscribers = hs.Subscribers
	}
	return s
}

func (r *Reporter) sessions() int {
	if r.cfg.Sessions == nil {
		return 0
	}
	return r.cfg.Sessions.Count()
}

func (r *Reporter) publish(status mqtt.StatusPayload) error {
	if r.cfg.Publisher == nil || !r.cfg.Publisher.IsConnected() {
		return nil
	}
	return r.cfg.Publisher.Publish(r.cfg.Topic, status.Marshal(), r.cfg.QoS, true)
}

func (r *Reporter) logError(msg string, err error) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
