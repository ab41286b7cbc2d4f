package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/porticus/internal/api"
	"github.com/nerrad567/porticus/internal/audit"
	"github.com/nerrad567/porticus/internal/broadcast"
	"github.com/nerrad567/porticus/internal/infrastructure/config"
	"github.com/nerrad567/porticus/internal/infrastructure/database"
	"github.com/nerrad567/porticus/internal/infrastructure/influxdb"
	"github.com/nerrad567/porticus/internal/infrastructure/logging"
	"github.com/nerrad567/porticus/internal/infrastructure/mqtt"
	"github.com/nerrad567/porticus/internal/mirror"
	"github.com/nerrad567/porticus/internal/serial"
	"github.com/nerrad567/porticus/internal/telemetry"
	"github.com/nerrad567/porticus/migrations"
)

// readerStopTimeout bounds the wait for the reader goroutine on shutdown.
const readerStopTimeout = 2 * time.Second

// Options configures a Bridge.
type Options struct {
	Config  *config.Config
	Logger  *logging.Logger
	Version string

	// Port replaces opening cfg.Serial.Port. Used to run the bridge over an
	// already open or simulated port.
	Port serial.Port
}

// Bridge owns every long-lived component of the process.
type Bridge struct {
	cfg     *config.Config
	logger  *logging.Logger
	version string

	device *serial.Device
	hub    *broadcast.Hub
	reader *serial.Reader
	server *api.Server

	db       *database.DB
	mqtt     *mqtt.Client
	influx   *influxdb.Client
	mirror   *mirror.Mirror
	reporter *telemetry.Reporter

	running   atomic.Bool
	closeOnce sync.Once
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

// New opens the device and the optional infrastructure and builds the
// components. Nothing is started until Run. On error, whatever was already
// opened is closed again.
func New(opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, errors.New("bridge: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	b := &Bridge{
		cfg:     opts.Config,
		logger:  logger,
		version: opts.Version,
	}

	if err := b.init(opts.Port); err != nil {
		b.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return b, nil
}

func (b *Bridge) init(port serial.Port) error {
	cfg := b.cfg

	if port != nil {
		b.device = serial.New(port, cfg.Serial.Port)
	} else {
		device, err := serial.Open(cfg.Serial)
		if err != nil {
			return fmt.Errorf("opening serial port: %w", err)
		}
		b.device = device
	}
	b.addCloser("serial device", b.device.Close)
	b.logger.Info("serial port opened",
		"port", cfg.Serial.Port,
		"baud", cfg.Serial.BaudRate,
	)

	b.hub = broadcast.New(cfg.Broadcast.Capacity)
	b.addCloser("broadcast hub", func() error { b.hub.Close(); return nil })

	src, err := b.device.Reader()
	if err != nil {
		return err
	}
	b.reader = serial.NewReader(src, b.hub, serial.ReaderConfig{
		BufferSize:     cfg.Serial.BufferSize,
		PendingBackoff: cfg.GetPendingBackoff(),
		PerByte:        cfg.Broadcast.Granularity == config.GranularityByte,
	})
	b.reader.SetLogger(b.logger.Component("serial"))

	history, err := b.openHistory()
	if err != nil {
		return err
	}

	if err := b.connectMQTT(); err != nil {
		return err
	}
	if err := b.connectInfluxDB(); err != nil {
		return err
	}

	b.buildMirror()

	deps := api.Deps{
		Config:    cfg.WebSocket,
		LagPolicy: cfg.Broadcast.LagPolicy,
		Logger:    b.logger,
		Hub:       b.hub,
		Device:    b.device,
		Reader:    b.reader,
		MQTT:      b.mqtt,
		Version:   b.version,
	}
	if history != nil {
		deps.History = history
	}
	if b.mirror != nil {
		deps.Mirror = b.mirror
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating websocket server: %w", err)
	}
	b.server = server

	b.buildReporter()

	return nil
}

// openHistory opens the session log when the database is enabled.
func (b *Bridge) openHistory() (*audit.SQLiteRepository, error) {
	db, err := database.Open(b.cfg.Database)
	if errors.Is(err, database.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db
	b.addCloser("database", db.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	b.logger.Info("session log ready", "path", db.Path(), "migrations_applied", applied)

	return audit.NewSQLiteRepository(db.DB), nil
}

func (b *Bridge) connectMQTT() error {
	if !b.cfg.MQTT.Enabled {
		return nil
	}

	client, err := mqtt.Connect(b.cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	b.mqtt = client
	b.addCloser("mqtt", client.Close)

	log := b.logger.Component("mqtt")
	client.SetLogger(log)
	client.SetOnConnect(func() { log.Info("MQTT reconnected") })
	client.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

	b.logger.Info("MQTT connected",
		"broker", net.JoinHostPort(b.cfg.MQTT.Broker.Host, strconv.Itoa(b.cfg.MQTT.Broker.Port)),
		"client_id", b.cfg.MQTT.Broker.ClientID,
		"status_topic", client.Topics().Status(),
	)
	return nil
}

func (b *Bridge) connectInfluxDB() error {
	if !b.cfg.InfluxDB.Enabled {
		return nil
	}

	client, err := influxdb.Connect(b.cfg.InfluxDB)
	if err != nil {
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	b.influx = client
	b.addCloser("influxdb", client.Close)

	log := b.logger.Component("influxdb")
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err, "failures", client.Failures())
	})
	b.logger.Info("InfluxDB connected",
		"url", b.cfg.InfluxDB.URL,
		"org", b.cfg.InfluxDB.Org,
		"bucket", b.cfg.InfluxDB.Bucket,
	)
	return nil
}

func (b *Bridge) buildMirror() {
	if b.mqtt == nil || !b.cfg.MQTT.Mirror {
		return
	}
	b.mirror = mirror.New(mirror.Options{
		Client:       b.mqtt,
		Subscription: b.hub.Subscribe(),
		Device:       b.device,
		Topics:       b.mqtt.Topics(),
		QoS:          b.mqtt.QoS(),
		Logger:       b.logger.Component("mirror"),
	})
}

func (b *Bridge) buildReporter() {
	if b.mqtt == nil && b.influx == nil {
		return
	}

	cfg := telemetry.Config{
		Port:     b.cfg.Serial.Port,
		Interval: b.cfg.GetTelemetryInterval(),
		Reader:   b.reader,
		Device:   b.device,
		Hub:      b.hub,
		Sessions: b.server.Sessions(),
	}
	if b.mqtt != nil {
		cfg.Publisher = b.mqtt
		cfg.ClientID = b.mqtt.ClientID()
		cfg.Topic = b.mqtt.Topics().Status()
		cfg.QoS = b.mqtt.QoS()
	}
	if b.influx != nil {
		cfg.Metrics = b.influx
	}

	b.reporter = telemetry.NewReporter(cfg)
	b.reporter.SetLogger(b.logger.Component("telemetry"))
}

func (b *Bridge) addCloser(name string, fn func() error) {
	b.closers = append(b.closers, closer{name: name, fn: fn})
}

// Addr returns the WebSocket listener address once Run has started it.
func (b *Bridge) Addr() net.Addr {
	if b.server == nil {
		return nil
	}
	return b.server.Addr()
}

// Server returns the WebSocket server.
func (b *Bridge) Server() *api.Server {
	return b.server
}

// Reader returns the serial reader.
func (b *Bridge) Reader() *serial.Reader {
	return b.reader
}

// Run starts the listener, the reader and the optional mirror and
// telemetry, then supervises them until ctx is cancelled or a fatal
// condition occurs. Everything it started is stopped before it returns.
//
// Returns:
//   - nil: ctx was cancelled
//   - api.ErrListen: the listener could not bind
//   - ErrListenerStopped: the listener stopped on its own
//   - ErrReaderFailed: the reader stopped and exit_on_reader_failure is set
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.server.Start(runCtx); err != nil {
		if b.mirror != nil {
			b.mirror.Close()
		}
		return err
	}

	go b.reader.Run(runCtx) //nolint:errcheck // observed through Done/Err

	var mirrorDone chan struct{}
	if b.mirror != nil {
		mirrorDone = make(chan struct{})
		go func() {
			defer close(mirrorDone)
			if err := b.mirror.Run(runCtx); err != nil {
				b.logger.Error("MQTT mirror stopped", "error", err)
			}
		}()
	}

	if b.reporter != nil {
		b.reporter.Start(runCtx)
	}

	b.logger.Info("bridge running",
		"serial_port", b.cfg.Serial.Port,
		"websocket", b.server.Addr().String(),
		"granularity", b.cfg.Broadcast.Granularity,
		"lag_policy", b.cfg.Broadcast.LagPolicy,
	)

	runErr := b.supervise(ctx)

	b.shutdown(cancel, mirrorDone)
	return runErr
}

// supervise blocks until ctx is done or a component fails fatally.
func (b *Bridge) supervise(ctx context.Context) error {
	readerDone := b.reader.Done()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("shutdown requested")
			return nil

		case <-readerDone:
			readerDone = nil
			err := b.reader.Err()
			if err == nil {
				continue
			}
			if b.reporter != nil {
				b.reporter.ReportNow() //nolint:errcheck // best effort
			}
			if b.cfg.Bridge.ExitOnReaderFailure {
				return fmt.Errorf("%w: %w", ErrReaderFailed, err)
			}
			b.logger.Warn("continuing without serial input; connected clients can still write",
				"sessions", b.server.Sessions().Count(),
			)

		case <-b.server.Done():
			if err := b.server.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrListenerStopped, err)
			}
			return ErrListenerStopped
		}
	}
}

// shutdown stops the running components: telemetry first so the final
// status is "stopping", then the listener and its sessions, then the hub,
// the device and the reader. Infrastructure is left to Close.
func (b *Bridge) shutdown(cancel context.CancelFunc, mirrorDone <-chan struct{}) {
	if b.reporter != nil {
		b.reporter.Stop()
	}

	if err := b.server.Close(); err != nil {
		b.logger.Warn("error closing websocket listener", "error", err)
	}

	cancel()
	b.hub.Close()

	// Closing the device unblocks a reader stuck in Read.
	if err := b.device.Close(); err != nil {
		b.logger.Warn("error closing serial device", "error", err)
	}
	select {
	case <-b.reader.Done():
	case <-time.After(readerStopTimeout):
		b.logger.Warn("serial reader did not stop in time")
	}

	if mirrorDone != nil {
		<-mirrorDone
	}
}

// Close releases everything New opened, in reverse order. It is
// idempotent and safe to call whether or not Run was called.
func (b *Bridge) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		for i := len(b.closers) - 1; i >= 0; i-- {
			c := b.closers[i]
			if err := c.fn(); err != nil {
				b.logger.Error("error closing "+c.name, "error", err)
				errs = append(errs, fmt.Errorf("closing %s: %w", c.name, err))
			}
		}
	})
	return errors.Join(errs...)
}
