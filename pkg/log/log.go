// Package log configures the process-wide zerolog logger and provides
// the field helpers shared by the control plane and the agent.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger
var Logger zerolog.Logger

// Level selects the log verbosity
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// The helpers below return a child logger by value. Level methods need
// an addressable receiver, so bind the result to a local before use.

// WithComponent tags a child logger with the subsystem name
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithAgentID tags a child logger with the agent identity
func WithAgentID(agentID string) zerolog.Logger {
	return Logger.With().Str("agent_id", agentID).Logger()
}

// WithDriver tags a child logger with the agent identity and the
// capability driver handling the operation
func WithDriver(agentID, driver string) zerolog.Logger {
	return Logger.With().Str("agent_id", agentID).Str("driver", driver).Logger()
}

// WithResource tags a child logger with resource kind and identifier
func WithResource(kind, uuid string) zerolog.Logger {
	return Logger.With().Str("kind", kind).Str("uuid", uuid).Logger()
}
