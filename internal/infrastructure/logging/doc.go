// Package logging provides structured logging for porticus.
//
// This package wraps Go's standard log/slog package so that every component
// logs with the same default fields and format.
//
// # Features
//
//   - Text output for interactive use, JSON output for log shippers
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - A discard output used by --quiet
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # text, json
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("listening", "addr", cfg.ListenAddr())
//	logger.Component("serial").Error("read failed", "error", err)
package logging
