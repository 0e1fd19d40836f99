// Package logging builds the slog logger shared by the CLI and the library.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects level, format and destination of log output
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output string // stderr (default) or stdout

	// Writer overrides Output when set
	Writer io.Writer
}

// New creates a logger carrying service and version attributes
func New(cfg Config, version string) *slog.Logger {
	output := cfg.Writer
	if output == nil {
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			output = os.Stdout
		default:
			// stdout carries command output
			output = os.Stderr
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "espserial"),
		slog.String("version", version),
	})
	return slog.New(handler)
}

// parseLevel converts a level name, defaulting to info
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Default is the logger used before configuration is loaded
func Default() *slog.Logger {
	return New(Config{Level: "info", Format: "text"}, "dev")
}

// Discard drops everything
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
