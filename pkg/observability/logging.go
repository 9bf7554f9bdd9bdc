// Package observability wires structured logging and OpenTelemetry
// tracing and metrics for the gateway.
package observability

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. format is "json" or "console";
// level uses the configuration vocabulary (DEBUG, INFO, WARNING, ERROR,
// CRITICAL).
func NewLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == "console" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
