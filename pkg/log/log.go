package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Both binaries call Init exactly
// once before anything logs; the child helpers below hang role-specific
// fields off this root.
var Logger = zerolog.New(io.Discard)

// Level names accepted by Init, matching zerolog's own level strings.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects output shape and verbosity for the process.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the root logger. An unknown or empty level falls back to
// info rather than failing startup; logging verbosity is never worth a
// refused boot.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent tags a child logger with the subsystem it speaks for
// (scheduler, runner-exec, conductor-service, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID tags a child logger with the node identity, used on both
// sides of the stream so one node's lines correlate across processes.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithExecID tags a child logger with the supervised deployment it
// concerns.
func WithExecID(execID string) zerolog.Logger {
	return Logger.With().Str("exec_id", execID).Logger()
}
