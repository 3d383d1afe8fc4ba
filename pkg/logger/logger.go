// Package logger provides structured, leveled logging for the gateway.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Level is one of the four supported log levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls how a Logger renders its output.
type Config struct {
	// Level is the minimum level that will be emitted.
	Level string
	// JSON selects JSON formatting over human-readable text.
	JSON bool
	// Output is the destination writer; defaults to os.Stderr.
	Output io.Writer
	// AddSource attaches file:line to every record.
	AddSource bool
}

// DefaultConfig returns the production-shaped default: info level, JSON.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		JSON:   true,
		Output: os.Stderr,
	}
}

// Logger wraps slog.Logger with gateway-specific child-logger helpers.
type Logger struct {
	*slog.Logger
}

var global *Logger

// New builds a Logger from Config. The first Logger constructed in a
// process also becomes the package-level global.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var level slog.Level
	switch Level(cfg.Level) {
	case LevelDebug:
		level = slog.LevelDebug
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	l := &Logger{Logger: slog.New(handler)}
	if global == nil {
		global = l
	}
	return l
}

// SetGlobal overrides the package-level logger.
func SetGlobal(l *Logger) { global = l }

// Global returns the package-level logger, constructing a default one if
// New was never called.
func Global() *Logger {
	if global == nil {
		global = New(DefaultConfig())
	}
	return global
}

// WithComponent returns a child logger tagged with the owning component
// name (e.g. "supervisor", "dispatcher", "ledger").
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.With("component", name)}
}

// WithRelay returns a child logger tagged with a relay URL.
func (l *Logger) WithRelay(url string) *Logger {
	if url == "" {
		return l
	}
	return &Logger{Logger: l.With("relay", url)}
}

// WithEventID returns a child logger tagged with a protocol event id.
func (l *Logger) WithEventID(id string) *Logger {
	if id == "" {
		return l
	}
	return &Logger{Logger: l.With("event_id", id)}
}

// WithUser returns a child logger tagged with a user public key.
func (l *Logger) WithUser(userKey string) *Logger {
	if userKey == "" {
		return l
	}
	return &Logger{Logger: l.With("user_key", userKey)}
}

// LogError logs an error with the given message and extra fields.
func (l *Logger) LogError(err error, msg string, args ...any) {
	l.Error(msg, append([]any{"error", err.Error()}, args...)...)
}

// LogLatency logs a completed operation and its duration.
func (l *Logger) LogLatency(op string, d time.Duration, args ...any) {
	l.Info(op, append([]any{"duration_ms", d.Milliseconds()}, args...)...)
}
