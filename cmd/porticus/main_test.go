package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/porticus/internal/infrastructure/config"
)

// writeConfig writes a config file whose PID file lives in the test's temp dir.
func writeConfig(t *testing.T, extra string) (configPath, pidPath string) {
	t.Helper()
	dir := t.TempDir()
	pidPath = filepath.Join(dir, "porticus.pid")
	configPath = filepath.Join(dir, "config.yaml")

	content := "process:\n  pid_file: " + pidPath + "\n" + extra
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return configPath, pidPath
}

func TestParseFlags_Aliases(t *testing.T) {
	opts, err := parseFlags([]string{"-p", "/dev/ttyACM0", "-b", "115200", "-w", "9001", "-q"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}

	if opts.port != "/dev/ttyACM0" || opts.baud != 115200 || opts.websocketPort != 9001 || !opts.quiet {
		t.Errorf("opts = %+v", opts)
	}
	for _, name := range []string{"port", "baud", "websocket-port", "quiet"} {
		if !opts.set[name] {
			t.Errorf("set[%q] = false, want true", name)
		}
	}
	if opts.set["buffer-size"] {
		t.Error("buffer-size marked as set without being given")
	}
}

func TestParseFlags_Environment(t *testing.T) {
	t.Setenv("PORTICUS_WEBSOCKET_PORT", "9100")

	opts, err := parseFlags(nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.websocketPort != 9100 || !opts.set["websocket-port"] {
		t.Errorf("websocketPort = %d (set %v), want 9100 from environment", opts.websocketPort, opts.set["websocket-port"])
	}
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-nope"}},
		{"bad number", []string{"-baud", "fast"}},
		{"positional argument", []string{"extra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFlags(tt.args, &bytes.Buffer{}); err == nil {
				t.Error("parseFlags() expected error, got nil")
			}
		})
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	configPath, _ := writeConfig(t, `
serial:
  port: /dev/ttyS1
  baud_rate: 19200
websocket:
  port: 9500
`)

	opts, err := parseFlags([]string{"-config", configPath, "-baud", "57600", "-debug"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Serial.Port != "/dev/ttyS1" {
		t.Errorf("Serial.Port = %q, want value from file", cfg.Serial.Port)
	}
	if cfg.Serial.BaudRate != 57600 {
		t.Errorf("Serial.BaudRate = %d, want flag value 57600", cfg.Serial.BaudRate)
	}
	if cfg.WebSocket.Port != 9500 {
		t.Errorf("WebSocket.Port = %d, want value from file", cfg.WebSocket.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfig_InvalidFlag(t *testing.T) {
	opts, err := parseFlags([]string{"-buffer-size", "0"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if _, err := loadConfig(opts); err == nil {
		t.Error("loadConfig() expected validation error for zero buffer size")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	opts := &options{configPath: "/nonexistent/path/config.yaml", set: map[string]bool{}}
	if _, err := loadConfig(opts); err == nil {
		t.Error("loadConfig() expected error for missing file")
	}
}

func TestPrintBanner(t *testing.T) {
	cfg := config.Default()
	var buf bytes.Buffer
	printBanner(&buf, cfg)

	out := buf.String()
	for _, want := range []string{"Serial <-> WebSocket Bridge", cfg.Serial.Port, "ws://127.0.0.1:8080/"} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q:\n%s", want, out)
		}
	}
}

func TestRun_Help(t *testing.T) {
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"-h"}, &stderr)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("run(-h) error = %v, want flag.ErrHelp", err)
	}
	if !strings.Contains(stderr.String(), "-websocket-port") {
		t.Error("usage text not written")
	}
}

func TestRun_KillWithoutInstance(t *testing.T) {
	configPath, _ := writeConfig(t, "")

	err := run(context.Background(), []string{"-config", configPath, "-kill", "-q"}, &bytes.Buffer{})
	if err != nil {
		t.Errorf("run(-kill) with no instance = %v, want nil", err)
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	configPath, pidPath := writeConfig(t, "")

	// The parent test process is alive and is not us.
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getppid())), 0o600); err != nil {
		t.Fatalf("writing pid file: %v", err)
	}

	err := run(context.Background(), []string{"-config", configPath, "-q"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "pid file") {
		t.Errorf("run() error = %v, want pid file conflict", err)
	}
}

func TestRun_SerialOpenFailure(t *testing.T) {
	configPath, pidPath := writeConfig(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stderr bytes.Buffer
	err := run(ctx, []string{"-config", configPath, "-port", "/nonexistent/ttyPORTICUS", "-w", "0", "-q"}, &stderr)
	if err == nil {
		t.Fatal("run() should fail when the serial port cannot be opened")
	}
	if stderr.Len() != 0 {
		t.Errorf("quiet run wrote to stderr: %q", stderr.String())
	}
	if _, statErr := os.Stat(pidPath); !os.IsNotExist(statErr) {
		t.Errorf("pid file left behind after failed start: %v", statErr)
	}
}
