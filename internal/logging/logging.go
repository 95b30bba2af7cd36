// Package logging provides structured logging for the proxy client.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger writing to stderr.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns logger, or a discarding logger when logger is nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}

// Common attribute keys for consistent logging.
const (
	KeyComponent = "component"
	KeyProxy     = "proxy"
	KeyTarget    = "target"
	KeyLocalID   = "local_id"
	KeyRelayAddr = "relay_addr"
	KeyLocalAddr = "local_addr"
	KeyMethod    = "method"
	KeyReason    = "reason"
	KeyError     = "error"
	KeyDuration  = "duration"
	KeyBytes     = "bytes"
	KeyCount     = "count"
)
