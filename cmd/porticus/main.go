// porticus bridges one serial device to any number of WebSocket clients.
//
// Every byte read from the device is broadcast to all connected clients, and
// every message a client sends is written to the device.
//
// Configuration is layered: built-in defaults, then the YAML file named by
// -config (or PORTICUS_CONFIG), then PORTICUS_* environment variables, then
// the flags given on the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/nerrad567/porticus/internal/bridge"
	"github.com/nerrad567/porticus/internal/infrastructure/config"
	"github.com/nerrad567/porticus/internal/infrastructure/logging"
	"github.com/nerrad567/porticus/internal/process"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// killTimeout is how long -kill waits for the running instance to exit
// before sending SIGKILL.
const killTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line. set records which flags were given
// explicitly, so that only those override the loaded configuration.
type options struct {
	configPath        string
	port              string
	baud              int
	websocketHost     string
	websocketPort     int
	bufferSize        int
	broadcastCapacity int
	kill              bool
	debug             bool
	quiet             bool

	set map[string]bool
}

// parseFlags parses args. Every flag can also be given as a PORTICUS_*
// environment variable named after the long flag.
func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{set: make(map[string]bool)}

	fs := flag.NewFlagSet("porticus", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&opts.configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&opts.port, "port", "", "serial port (e.g. /dev/ttyUSB0, COM3)")
	fs.StringVar(&opts.port, "p", "", "shorthand for -port")
	fs.IntVar(&opts.baud, "baud", 0, "serial baud rate")
	fs.IntVar(&opts.baud, "b", 0, "shorthand for -baud")
	fs.StringVar(&opts.websocketHost, "websocket-host", "", "address the WebSocket listener binds to")
	fs.IntVar(&opts.websocketPort, "websocket-port", 0, "WebSocket listener port")
	fs.IntVar(&opts.websocketPort, "w", 0, "shorthand for -websocket-port")
	fs.IntVar(&opts.bufferSize, "buffer-size", 0, "serial read buffer size in bytes")
	fs.IntVar(&opts.broadcastCapacity, "broadcast-capacity", 0, "chunks retained for slow clients")
	fs.BoolVar(&opts.kill, "kill", false, "stop the running instance and exit")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&opts.quiet, "quiet", false, "suppress the banner and all log output")
	fs.BoolVar(&opts.quiet, "q", false, "shorthand for -quiet")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("PORTICUS")); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	aliases := map[string]string{"p": "port", "b": "baud", "w": "websocket-port", "q": "quiet"}
	fs.Visit(func(f *flag.Flag) {
		name := f.Name
		if long, ok := aliases[name]; ok {
			name = long
		}
		opts.set[name] = true
	})

	return opts, nil
}

// apply copies explicitly set flags over cfg.
func (o *options) apply(cfg *config.Config) {
	if o.set["port"] {
		cfg.Serial.Port = o.port
	}
	if o.set["baud"] {
		cfg.Serial.BaudRate = o.baud
	}
	if o.set["websocket-host"] {
		cfg.WebSocket.Host = o.websocketHost
	}
	if o.set["websocket-port"] {
		cfg.WebSocket.Port = o.websocketPort
	}
	if o.set["buffer-size"] {
		cfg.Serial.BufferSize = o.bufferSize
	}
	if o.set["broadcast-capacity"] {
		cfg.Broadcast.Capacity = o.broadcastCapacity
	}
	if o.debug {
		cfg.Logging.Level = "debug"
	}
	if o.quiet {
		cfg.Logging.Output = "discard"
	}
}

// loadConfig layers file, environment and flags, then validates the result.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	opts.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating flags: %w", err)
	}
	return cfg, nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, `
porticus %s
Serial <-> WebSocket Bridge

  serial     %s @ %d baud
  websocket  ws://%s%s

`, version, cfg.Serial.Port, cfg.Serial.BaudRate, cfg.ListenAddr(), cfg.WebSocket.Path)
}

// run is the application, separated from main for testability.
//
// Parameters:
//   - ctx: Cancelled on SIGINT/SIGTERM
//   - args: Command-line arguments without the program name
//   - stderr: Destination for the banner and usage text
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log := logging.New(cfg.Logging, version)

	if opts.kill {
		return killRunning(cfg, log)
	}

	if !opts.quiet {
		printBanner(stderr, cfg)
	}

	log.Info("starting porticus",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	pidFile := process.NewPIDFile(cfg.Process.PIDFile)
	if err := pidFile.Acquire(); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer func() {
		if removeErr := pidFile.Remove(); removeErr != nil {
			log.Warn("removing pid file", "path", pidFile.Path(), "error", removeErr)
		}
	}()

	b, err := bridge.New(bridge.Options{
		Config:  cfg,
		Logger:  log,
		Version: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			log.Error("error during shutdown", "error", closeErr)
		}
	}()

	if err := b.Run(ctx); err != nil {
		return err
	}

	log.Info("porticus stopped")
	return nil
}

func killRunning(cfg *config.Config, log *logging.Logger) error {
	path := cfg.Process.PIDFile
	if path == "" {
		path = process.DefaultPIDPath()
	}

	pid, err := process.KillRunning(path, killTimeout, log)
	if errors.Is(err, process.ErrNotRunning) {
		log.Info("no running instance", "pid_file", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stopping running instance: %w", err)
	}

	log.Info("stopped running instance", "pid", pid)
	return nil
}
