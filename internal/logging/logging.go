// Package logging configures structured logging and propagates run/job/action
// correlation IDs through context.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a config string to an slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the root logger. The format selector is resolved by the
// caller's configuration layer: "text" for development, anything else JSON.
func Setup(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(NewCorrelationHandler(handler))
	slog.SetDefault(logger)
	return logger
}
