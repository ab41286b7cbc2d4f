package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Publish granularities for bytes read from the serial device.
const (
	GranularityChunk = "chunk"
	GranularityByte  = "byte"
)

// Lag policies applied when a client falls behind the broadcast ring.
const (
	LagPolicySkip       = "skip"
	LagPolicyDisconnect = "disconnect"
)

// Config is the root configuration structure for porticus.
// All configuration is loaded from YAML and can be overridden by environment
// variables and command-line flags.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Logging   LoggingConfig   `yaml:"logging"`
	Process   ProcessConfig   `yaml:"process"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SerialConfig contains the serial device settings.
type SerialConfig struct {
	Port       string `yaml:"port"`
	BaudRate   int    `yaml:"baud_rate"`
	BufferSize int    `yaml:"buffer_size"`

	// ReadTimeoutMS bounds a single device read. A read that times out is
	// treated as "no data yet" and retried. 0 blocks indefinitely.
	ReadTimeoutMS int `yaml:"read_timeout_ms"`

	// PendingBackoffMS is the sleep after a would-block read.
	PendingBackoffMS int `yaml:"pending_backoff_ms"`
}

// BroadcastConfig contains the fan-out settings.
type BroadcastConfig struct {
	Capacity    int    `yaml:"capacity"`
	Granularity string `yaml:"granularity"`
	LagPolicy   string `yaml:"lag_policy"`
}

// WebSocketConfig contains the listener settings.
type WebSocketConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Path            string `yaml:"path"`
	MaxMessageSize  int    `yaml:"max_message_size"`
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
	WriteTimeout    int    `yaml:"write_timeout"`
	CheckOrigin     bool   `yaml:"check_origin"`
}

// BridgeConfig controls how the bridge reacts to subsystem failures.
type BridgeConfig struct {
	// ExitOnReaderFailure stops the whole process once the serial reader
	// stops permanently. When false, clients stay connected and may still
	// write to the device.
	ExitOnReaderFailure bool `yaml:"exit_on_reader_failure"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ProcessConfig contains single-instance settings.
type ProcessConfig struct {
	// PIDFile is where the running instance records its PID.
	// Empty means <user config dir>/porticus/porticus.pid.
	PIDFile string `yaml:"pid_file"`
}

// DatabaseConfig contains SQLite database settings for the session log.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Mirror      bool                `yaml:"mirror"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// TelemetryConfig contains periodic status reporting settings.
type TelemetryConfig struct {
	// Interval between status reports, in seconds.
	Interval int `yaml:"interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Command-line flags are applied by the caller after Load returns and the
// result is re-validated with Validate.
//
// Environment variables follow the pattern: PORTICUS_SECTION_KEY
// For example: PORTICUS_SERIAL_PORT, PORTICUS_WEBSOCKET_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load when path is set. With an empty path it
// starts from the defaults and applies environment overrides only, which is
// how porticus runs when invoked with flags alone.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading files or
// environment variables.
func Default() *Config {
	return defaultConfig()
}

// DefaultSerialPort returns the platform's conventional first serial device.
func DefaultSerialPort() string {
	if runtime.GOOS == "windows" {
		return "COM1"
	}
	return "/dev/ttyUSB0"
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:             DefaultSerialPort(),
			BaudRate:         9600,
			BufferSize:       1024,
			ReadTimeoutMS:    100,
			PendingBackoffMS: 10,
		},
		Broadcast: BroadcastConfig{
			Capacity:    16,
			Granularity: GranularityChunk,
			LagPolicy:   LagPolicySkip,
		},
		WebSocket: WebSocketConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			Path:            "/",
			MaxMessageSize:  65536,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			WriteTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Path:        "./data/porticus.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "porticus",
			},
			QoS:         0,
			TopicPrefix: "porticus",
			Mirror:      true,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Telemetry: TelemetryConfig{
			Interval: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PORTICUS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("PORTICUS_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}
	if v := os.Getenv("PORTICUS_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Serial.BaudRate = n
		}
	}

	// WebSocket
	if v := os.Getenv("PORTICUS_WEBSOCKET_HOST"); v != "" {
		cfg.WebSocket.Host = v
	}
	if v := os.Getenv("PORTICUS_WEBSOCKET_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebSocket.Port = n
		}
	}

	// Database
	if v := os.Getenv("PORTICUS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("PORTICUS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PORTICUS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PORTICUS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("PORTICUS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Serial
	if c.Serial.Port == "" {
		errs = append(errs, "serial.port is required")
	}
	if c.Serial.BaudRate < 1 {
		errs = append(errs, "serial.baud_rate must be positive")
	}
	if c.Serial.BufferSize < 1 {
		errs = append(errs, "serial.buffer_size must be positive")
	}
	if c.Serial.ReadTimeoutMS < 0 || c.Serial.PendingBackoffMS < 0 {
		errs = append(errs, "serial timeouts must not be negative")
	}

	// Broadcast
	if c.Broadcast.Capacity < 1 {
		errs = append(errs, "broadcast.capacity must be positive")
	}
	switch c.Broadcast.Granularity {
	case GranularityChunk, GranularityByte:
	default:
		errs = append(errs, fmt.Sprintf("broadcast.granularity must be %q or %q", GranularityChunk, GranularityByte))
	}
	switch c.Broadcast.LagPolicy {
	case LagPolicySkip, LagPolicyDisconnect:
	default:
		errs = append(errs, fmt.Sprintf("broadcast.lag_policy must be %q or %q", LagPolicySkip, LagPolicyDisconnect))
	}

	// WebSocket
	if c.WebSocket.Port < 1 || c.WebSocket.Port > 65535 {
		errs = append(errs, "websocket.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with /")
	}
	if strings.HasPrefix(c.WebSocket.Path, "/api/") {
		errs = append(errs, "websocket.path must not be under /api/")
	}
	if c.WebSocket.WriteTimeout < 0 {
		errs = append(errs, "websocket.write_timeout must not be negative")
	}

	// Logging
	switch c.Logging.Output {
	case "stdout", "stderr", "discard":
	default:
		errs = append(errs, "logging.output must be stdout, stderr or discard")
	}

	// Database
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	// Telemetry
	if c.Telemetry.Interval < 1 {
		errs = append(errs, "telemetry.interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ListenAddr returns the host:port the WebSocket listener binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.WebSocket.Host, c.WebSocket.Port)
}

// GetReadTimeout returns the serial read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeoutMS) * time.Millisecond
}

// GetPendingBackoff returns the sleep after a would-block read.
func (c *Config) GetPendingBackoff() time.Duration {
	return time.Duration(c.Serial.PendingBackoffMS) * time.Millisecond
}

// GetWriteTimeout returns the per-message WebSocket write timeout.
// Zero means no deadline.
func (w WebSocketConfig) GetWriteTimeout() time.Duration {
	return time.Duration(w.WriteTimeout) * time.Second
}

// GetTelemetryInterval returns the status reporting interval.
func (c *Config) GetTelemetryInterval() time.Duration {
	return time.Duration(c.Telemetry.Interval) * time.Second
}
