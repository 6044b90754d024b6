package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger initialises an slog.Logger with the provided level string.
func NewLogger(levelStr string) *slog.Logger {
	return NewLoggerTo(os.Stdout, levelStr)
}

// NewLoggerTo writes to an explicit sink; used by tests.
func NewLoggerTo(w io.Writer, levelStr string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(levelStr),
	})
	return slog.New(handler)
}

func parseLevel(levelStr string) slog.Leveler {
	switch strings.ToLower(levelStr) {
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
