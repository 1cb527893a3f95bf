// Package logging provides structured logging for go-trainer-swarm.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// Rotation policy for file-backed loggers.
	maxLogSizeMB   = 100
	maxLogBackups  = 5
	maxLogAgeDays  = 14
	compressRotate = true
)

// NewLogger creates a new structured logger with the specified format and level.
// Format should be "json" or "text".
// Level should be "debug", "info", "warn", or "error".
func NewLogger(format, level string, verbose bool) *slog.Logger {
	return slog.New(newHandler(os.Stderr, format, level, verbose))
}

// NewLoggerWithWriter creates a logger that writes to a custom writer.
// Useful for testing.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	return slog.New(newHandler(w, format, level, false))
}

// NewRotatingLogger creates a logger backed by a size-rotated file.
// The returned closer flushes and closes the underlying file; call it on
// shutdown. Rotation keeps a bounded number of compressed backups so a
// long-running launcher cannot fill the disk.
func NewRotatingLogger(path, format, level string, verbose bool) (*slog.Logger, io.Closer) {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
		Compress:   compressRotate,
	}
	return slog.New(newHandler(w, format, level, verbose)), w
}

// newHandler builds the slog handler shared by all constructors.
func newHandler(w io.Writer, format, level string, verbose bool) slog.Handler {
	logLevel := parseLevel(level)
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
		// Add source location for debug level
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// parseLevel converts a string level to slog.Level.
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

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
