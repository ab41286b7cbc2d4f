package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/porticus/internal/infrastructure/config"
)

// Logger receives connection events and handler failures.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler is called for each message on a subscribed topic.
//
// Handlers run on paho's goroutines and should not block for long. A
// returned error is logged; it does not affect acknowledgment.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Stats counts client traffic since Connect.
type Stats struct {
	Published       uint64 `json:"published"`
	PublishFailures uint64 `json:"publish_failures"`
	Received        uint64 `json:"received"`
	Reconnects      uint64 `json:"reconnects"`
}

// Client is the bridge's MQTT connection.
//
// The broker always holds a retained status for the bridge: "online" after
// every (re)connect, "offline" with reason graceful_shutdown after Close,
// and the will (reason unexpected_disconnect) when the connection drops
// without one. Subscriptions are re-established after a reconnect.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig
	topics  Topics

	connected atomic.Bool

	// mu guards subscriptions, the callbacks and logger.
	mu            sync.RWMutex
	subscriptions map[string]subscription
	onConnect     func()
	onDisconnect  func(err error)
	logger        Logger

	published atomic.Uint64
	failures  atomic.Uint64
	received  atomic.Uint64
	connects  atomic.Uint64
}

// Connect dials the broker and waits up to connectTimeout for the session.
//
// Parameters:
//   - cfg: MQTT section of the porticus config
//
// Returns:
//   - *Client: Connected client
//   - error: ErrConnectionFailed if the broker refuses or does not answer in time
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		subscriptions: make(map[string]subscription),
	}

	c.options = buildClientOptions(cfg)
	configureLWT(c.options, c.topics, cfg.Broker.ClientID)
	c.options.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	c.options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleConnectionLost(err) })

	c.client = pahomqtt.NewClient(c.options)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// SetConnectRetry keeps dialling in the background until told to stop.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: no answer after %v", ErrConnectionFailed, brokerURL(cfg), connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, brokerURL(cfg), err)
	}

	// OnConnect runs asynchronously; callers expect IsConnected once we return.
	c.connected.Store(true)
	return c, nil
}

// Topics returns the bridge's topic names.
func (c *Client) Topics() Topics { return c.topics }

// QoS returns the configured default QoS.
func (c *Client) QoS() byte { return byte(c.cfg.QoS) }

// ClientID returns the configured client identifier.
func (c *Client) ClientID() string { return c.cfg.Broker.ClientID }

// Stats returns a snapshot of the traffic counters.
func (c *Client) Stats() Stats {
	reconnects := c.connects.Load()
	if reconnects > 0 {
		reconnects--
	}
	return Stats{
		Published:       c.published.Load(),
		PublishFailures: c.failures.Load(),
		Received:        c.received.Load(),
		Reconnects:      reconnects,
	}
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.connects.Add(1)

	c.mu.RLock()
	for topic, sub := range c.subscriptions {
		c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	}
	callback := c.onConnect
	c.mu.RUnlock()

	// Fire and forget: this runs on paho's connect goroutine.
	c.client.Publish(c.topics.Status(), c.QoS(), true, NewStatus(StatusOnline, c.ClientID()).Marshal())

	if callback != nil {
		callback()
	}
}

func (c *Client) handleConnectionLost(err error) {
	c.connected.Store(false)
	c.log().Warn("MQTT connection lost", "error", err)

	c.mu.RLock()
	callback := c.onDisconnect
	c.mu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Close replaces the retained status with a graceful "offline" and
// disconnects. Safe on a client that never connected.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		status := NewStatus(StatusOffline, c.ClientID())
		status.Reason = "graceful_shutdown"
		c.client.Publish(c.topics.Status(), c.QoS(), true, status.Marshal()).WaitTimeout(publishTimeout)
	}

	c.client.Disconnect(disconnectQuiesceMS)
	c.connected.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the current connection state. Nil-safe.
func (c *Client) IsConnected() bool {
	if c == nil || c.client == nil {
		return false
	}
	return c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect sets a callback for the initial connect and every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback for lost connections.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger. Without one, events are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}

// wrapHandler counts deliveries and keeps a failing or panicking handler
// from reaching paho.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.received.Add(1)

		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}
