// Package logging configures the process-wide zerolog logger.
//
// Subsystems log through the package-level helpers so that formatting,
// level filtering and output destination are decided once, in main.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the global logger.
type Config struct {
	// Level is the minimum level to emit: trace, debug, info, warn, error.
	Level string
	// Format is "json" or "console".
	Format string
	// Caller adds file:line to each event.
	Caller bool
	// Output overrides the destination. Defaults to stderr.
	Output io.Writer
}

// Init configures the global logger. Safe to call once at startup;
// subsequent calls reconfigure (used by tests).
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	logger := zerolog.New(out).With().Timestamp()
	if cfg.Caller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()
}

// parseLevel maps a level name to a zerolog level, defaulting to info.
func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Trace returns a trace-level event on the global logger.
func Trace() *zerolog.Event { return log.Trace() }

// Debug returns a debug-level event on the global logger.
func Debug() *zerolog.Event { return log.Debug() }

// Info returns an info-level event on the global logger.
func Info() *zerolog.Event { return log.Info() }

// Warn returns a warn-level event on the global logger.
func Warn() *zerolog.Event { return log.Warn() }

// Error returns an error-level event on the global logger.
func Error() *zerolog.Event { return log.Error() }

// Fatal returns a fatal-level event; the process exits when it is sent.
func Fatal() *zerolog.Event { return log.Fatal() }

// Err returns an error-level event with err attached, or info when err
// is nil.
func Err(err error) *zerolog.Event { return log.Err(err) }

// With returns a context for building a child logger with static fields.
func With() zerolog.Context { return log.With() }

// NewTestLogger routes the global logger to w at debug level. Tests use
// it to capture output.
func NewTestLogger(w io.Writer) {
	Init(Config{Level: "debug", Format: "json", Output: w})
}
