package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates the process logger and installs it as slog's default.
// format "text" selects the human-readable handler; anything else is JSON.
func NewLogger(level, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format, isTerminal(os.Stdout))
}

func newLogger(w io.Writer, level, format string, color bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}

	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		h = newPrettyHandler(w, opts, color)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func parseLogLevel(level string) slog.Level {
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

func isTerminal(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
