// Package log wires zerolog for the whole control plane: one global
// Logger, initialized once from Config, plus child-logger helpers scoped
// to this domain's ids (deployment, stack, job).
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Components should prefer taking a
// zerolog.Logger as a constructor argument (derived from this via
// WithComponent) over reading the global directly, so tests can inject a
// buffer-backed logger.
var Logger zerolog.Logger

// Level is a logging verbosity, decoupled from zerolog's own type so
// config parsing stays independent of the library.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
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

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDeploymentID returns a child logger tagged with a deployment id.
func WithDeploymentID(logger zerolog.Logger, deploymentID string) zerolog.Logger {
	return logger.With().Str("deployment_id", deploymentID).Logger()
}

// WithStackID returns a child logger tagged with a stack id.
func WithStackID(logger zerolog.Logger, stackID string) zerolog.Logger {
	return logger.With().Str("stack_id", stackID).Logger()
}

// WithJobID returns a child logger tagged with a job id.
func WithJobID(logger zerolog.Logger, jobID string) zerolog.Logger {
	return logger.With().Str("job_id", jobID).Logger()
}

// SanitizeMessage strips NUL bytes from a log message so a corrupt or
// adversarial payload never produces an unstorable log entry (§4.8: "all
// log message and metadata writes strip NUL bytes... logging failures
// never propagate").
func SanitizeMessage(msg string) string {
	if !strings.ContainsRune(msg, 0) {
		return msg
	}
	return strings.ReplaceAll(msg, "\x00", "")
}

// SanitizeMetadata strips NUL bytes from every value in a metadata map,
// dropping keys whose value is empty after sanitization never happens -
// we keep them, since a key with an empty string is still useful context.
func SanitizeMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[strings.ReplaceAll(k, "\x00", "")] = strings.ReplaceAll(v, "\x00", "")
	}
	return out
}
