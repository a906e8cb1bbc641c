// Package logging configures chatfleet's structured logging: zerolog with
// JSON or pretty output, caller info, and panic-safe helpers, plus an
// audit logger for discrete security-relevant events.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New creates a structured logger.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "chatfleet").
		Logger()
}

// WithWorker attaches the worker id to every subsequent log line from logger.
func WithWorker(logger zerolog.Logger, workerID string) zerolog.Logger {
	return logger.With().Str("worker_id", workerID).Logger()
}

// Error logs an error with contextual fields.
func Error(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Panic logs a recovered panic with a full stack trace. Use from a
// `defer recover()` block; it does not re-panic.
func Panic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Recover is meant to be deferred at the top of every goroutine the hub
// spawns per connection: an internal bug in the handling of one session
// must never take down the process or another session.
func Recover(logger zerolog.Logger, component string, fields map[string]any) {
	if r := recover(); r != nil {
		Panic(logger, r, "recovered panic in "+component, fields)
	}
}
