// Package logging configures the process-wide slog logger.
//
// The node logs structured events (state transitions, loss statistics,
// degraded modes) through log/slog; this package wires the handler once at
// startup:
//
//	logging.Setup(logging.Options{Level: "debug", Format: "json"})
//	slog.Info("channel state", "from", "idle", "to", "transmitting")
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects log level and output format.
type Options struct {
	Level  string    // "debug", "info", "warn", "error" (default "info")
	Format string    // "text" or "json" (default "text")
	Output io.Writer // default os.Stderr
}

// ParseLevel maps a level name to slog.Level, defaulting to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the global slog handler. Call once, before anything logs.
func Setup(opts Options) error {
	switch strings.ToLower(strings.TrimSpace(opts.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q (valid: debug, info, warn, error)", opts.Level)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := ParseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
