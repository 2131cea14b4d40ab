// Package logger wires slog up from configuration.
package logger

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New builds a slog.Logger for the given level and format. Format "text"
// uses a tinted human-readable handler; anything else falls back to JSON.
func New(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      opts.Level,
			TimeFormat: "15:04:05",
		})
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func slogLevel(level string) slog.Level {
	switch level {
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
