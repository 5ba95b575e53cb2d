// Package telemetry provides structured logging and metrics shared by
// every eddy package.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with eddy-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config configures a Logger.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates a structured logger.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(output).With().Timestamp().Str("service", "eddy").Logger()
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() *zerolog.Logger { return &l.zlog }

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }

// WithFields returns a derived logger carrying additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// ConnLogger returns a logger scoped to connection-table operations.
func (l *Logger) ConnLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "conn").Logger()}
}

// TxnLogger returns a logger scoped to a single transaction id.
func (l *Logger) TxnLogger(xid uint64) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "txn").Uint64("xid", xid).Logger()}
}

// GCLogger returns a logger scoped to garbage-collection operations.
func (l *Logger) GCLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "gc").Logger()}
}

// LogCommit logs a committed transaction.
func (l *Logger) LogCommit(xid uint64, npages int, d time.Duration) {
	l.zlog.Debug().
		Str("component", "txn").
		Uint64("xid", xid).
		Int("pages_discarded", npages).
		Dur("duration_ms", d).
		Msg("transaction committed")
}

// LogStaleReclaim logs reclamation of a stale connection slot.
func (l *Logger) LogStaleReclaim(slot int, pid int32) {
	l.zlog.Warn().
		Str("component", "conn").
		Int("slot", slot).
		Int32("pid", pid).
		Msg("reclaimed stale connection slot")
}

var global *Logger

// InitGlobal initializes the package-level logger.
func InitGlobal(cfg Config) {
	global = New(cfg)
	log.Logger = *global.Zerolog()
}

// Global returns the package-level logger, initializing a default one
// if InitGlobal has not been called.
func Global() *Logger {
	if global == nil {
		InitGlobal(Config{Level: "info"})
	}
	return global
}
