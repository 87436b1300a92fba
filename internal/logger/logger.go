// Package logger provides structured logging for the relay.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with relay-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool
	Output io.Writer
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "chat-relay").
		Logger()

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything. Used by tests and as the
// zero-configuration default for components.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the underlying zerolog logger
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// Component returns a sub-logger tagged with the given component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// LogDbOperation logs a repository call with its table, duration and row count.
func (l *Logger) LogDbOperation(table, operation string, duration time.Duration, recordCount int, err error) {
	if err != nil {
		l.zlog.Error().
			Str("table", table).
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err).
			Msg("Database operation failed")
		return
	}
	l.zlog.Debug().
		Str("table", table).
		Str("operation", operation).
		Dur("duration_ms", duration).
		Int("record_count", recordCount).
		Msg("Database operation completed")
}

// LogTurn logs the outcome of one handled turn.
func (l *Logger) LogTurn(turnID string, userID, chatID int64, kind, outcome string, duration time.Duration) {
	l.zlog.Info().
		Str("turn_id", turnID).
		Int64("user_id", userID).
		Int64("chat_id", chatID).
		Str("kind", kind).
		Str("outcome", outcome).
		Dur("duration_ms", duration).
		Msg("Turn handled")
}

// InitGlobalLogger builds the process logger and points zerolog's
// package-level logger at it.
func InitGlobalLogger(cfg Config) *Logger {
	l := NewLogger(cfg)
	log.Logger = l.zlog
	return l
}
