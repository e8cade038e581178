package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
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
	// Set log level
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

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithNamespace creates a child logger with namespace field
func WithNamespace(namespace string) *zerolog.Logger {
	l := Logger.With().Str("namespace", namespace).Logger()
	return &l
}

// WithKernelID creates a child logger with kernel_id field
func WithKernelID(kernelID string) *zerolog.Logger {
	l := Logger.With().Str("kernel_id", kernelID).Logger()
	return &l
}

// WithIndexID creates a child logger with index_id field
func WithIndexID(indexID string) *zerolog.Logger {
	l := Logger.With().Str("index_id", indexID).Logger()
	return &l
}

// WithAgentID creates a child logger with agent_id field
func WithAgentID(agentID string) *zerolog.Logger {
	l := Logger.With().Str("agent_id", agentID).Logger()
	return &l
}

// WithSessionID creates a child logger with session_id field
func WithSessionID(sessionID string) *zerolog.Logger {
	l := Logger.With().Str("session_id", sessionID).Logger()
	return &l
}
