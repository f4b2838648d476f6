// Package logging configures the process-wide slog default logger.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
)

// Configure sets slog's default logger from a level name and optional
// log file path. Valid levels are "none", "error", "warn", "info",
// "debug"; any other value is an error. An empty logFile logs to
// stdout as text; a non-empty one logs JSON lines to that file.
//
// The returned *os.File (nil for stdout or level "none") must be
// closed by the caller on shutdown.
func Configure(level string, logFile string) (*os.File, error) {
	opts := &slog.HandlerOptions{}

	switch level {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	case "error":
		opts.Level = slog.LevelError
	case "warn":
		opts.Level = slog.LevelWarn
	case "info":
		opts.Level = slog.LevelInfo
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		return nil, errors.New("logging: unexpected log level " + level)
	}

	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
		return nil, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)))
	return f, nil
}
