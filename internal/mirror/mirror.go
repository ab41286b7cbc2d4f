package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/nerrad567/porticus/internal/broadcast"
	"github.com/nerrad567/porticus/internal/infrastructure/mqtt"
)

// Client is the part of the MQTT client the mirror needs.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Subscription is the mirror's cursor into the broadcast hub.
type Subscription interface {
	Recv(ctx context.Context) ([]byte, error)
	Close()
}

// Logger defines the logging interface for the mirror.
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

// ErrAlreadyRunning is returned by a second Run.
var ErrAlreadyRunning = errors.New("mirror: already running")

// Options configures a Mirror.
type Options struct {
	Client       Client
	Subscription Subscription
	Device       io.Writer
	Topics       mqtt.Topics
	QoS          byte
	Logger       Logger
}

// Stats counts mirror traffic.
type Stats struct {
	ChunksPublished uint64 `json:"chunks_published"`
	PublishErrors   uint64 `json:"publish_errors"`
	Dropped         uint64 `json:"dropped"`
	BytesWritten    uint64 `json:"bytes_written"`
	WriteErrors     uint64 `json:"write_errors"`
}

// Mirror relays between the broadcast hub, the device and MQTT.
type Mirror struct {
	client Client
	sub    Subscription
	device io.Writer
	topics mqtt.Topics
	qos    byte
	logger Logger

	running atomic.Bool

	published     atomic.Uint64
	publishErrors atomic.Uint64
	dropped       atomic.Uint64
	written       atomic.Uint64
	writeErrors   atomic.Uint64
}

// New creates a mirror. The subscription should be taken from the hub
// before New so no chunk published after startup is missed.
func New(opts Options) *Mirror {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Mirror{
		client: opts.Client,
		sub:    opts.Subscription,
		device: opts.Device,
		topics: opts.Topics,
		qos:    opts.QoS,
		logger: logger,
	}
}

// Run subscribes to the tx topic and publishes hub chunks to the rx topic
// until ctx is cancelled or the hub closes. The hub subscription is closed
// on return.
//
// Returns:
//   - error: nil on shutdown, the subscribe error if the tx topic could not
//     be subscribed, ErrAlreadyRunning on a second call
func (m *Mirror) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.sub.Close()

	txTopic := m.topics.SerialTX()
	if err := m.client.Subscribe(txTopic, m.qos, m.handleTX); err != nil {
		return fmt.Errorf("subscribing to %s: %w", txTopic, err)
	}
	defer func() {
		if err := m.client.Unsubscribe(txTopic); err != nil {
			m.logger.Debug("mqtt unsubscribe failed", "topic", txTopic, "error", err)
		}
	}()

	m.logger.Info("mirroring serial stream",
		"rx_topic", m.topics.SerialRX(),
		"tx_topic", txTopic,
	)

	return m.publishLoop(ctx)
}

func (m *Mirror) publishLoop(ctx context.Context) error {
	rxTopic := m.topics.SerialRX()

	for {
		chunk, err := m.sub.Recv(ctx)
		if err != nil {
			var lagged *broadcast.LaggedError
			switch {
			case errors.As(err, &lagged):
				m.dropped.Add(lagged.Missed)
				m.logger.Warn("mqtt mirror lagged, chunks dropped", "missed", lagged.Missed)
				continue
			case errors.Is(err, broadcast.ErrClosed),
				errors.Is(err, broadcast.ErrSubscriptionClosed),
				ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}

		if err := m.client.Publish(rxTopic, chunk, m.qos, false); err != nil {
			// The broker being away must not stall the hub subscriber;
			// the chunk is dropped and counted.
			m.publishErrors.Add(1)
			m.logger.Debug("mqtt publish failed", "topic", rxTopic, "error", err)
			continue
		}
		m.published.Add(1)
	}
}

// handleTX writes a payload received on the tx topic to the device.
func (m *Mirror) handleTX(_ string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	n, err := m.device.Write(payload)
	m.written.Add(uint64(n)) //nolint:gosec // n is never negative
	if err != nil {
		m.writeErrors.Add(1)
		return fmt.Errorf("writing mqtt payload to device: %w", err)
	}
	return nil
}

// Close releases the hub subscription of a mirror that will not run.
// Run closes it on return, so Close is only needed when Run is never
// called. Close is idempotent.
func (m *Mirror) Close() {
	m.sub.Close()
}

// Stats returns a snapshot of the mirror counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		ChunksPublished: m.published.Load(),
		PublishErrors:   m.publishErrors.Load(),
		Dropped:         m.dropped.Load(),
		BytesWritten:    m.written.Load(),
		WriteErrors:     m.writeErrors.Load(),
	}
}
